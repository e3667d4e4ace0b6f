package handlers

import (
	"net/http"
	"sort"
	"strings"

	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
)

// ProfileRequest updates an agent profile; nil fields are left unchanged
type ProfileRequest struct {
	ChatMode         *string `json:"chatMode"`
	StandardProvider *string `json:"standardProvider"`
	Model            *string `json:"openrouterModel"`
	OllamaModel      *string `json:"ollamaModel"`
	OllamaURL        *string `json:"ollamaUrl"`
	GatewayURL       *string `json:"gatewayUrl"`
	PersonalityKey   *string `json:"personalityKey"`
	Locale           *string `json:"locale"`
	MasterKeyEnabled *bool   `json:"masterKeyEnabled"`
}

// ProfileResponse is a profile with its ciphertexts replaced by names
type ProfileResponse struct {
	*models.AgentProfile
	// shadows the embedded ciphertext map so it is never serialized
	Secrets    []string `json:"encryptedSecrets,omitempty"`
	SecretsSet []string `json:"secretsSet"`
}

// SecretRequest sets or clears one provider secret
type SecretRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func newProfileResponse(p *models.AgentProfile) ProfileResponse {
	names := make([]string, 0, len(p.Secrets))
	for name := range p.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return ProfileResponse{AgentProfile: p, SecretsSet: names}
}

func (h *Handler) loadProfile(r *http.Request, agentID string) (*models.AgentProfile, error) {
	profile, err := h.profiles.GetProfile(r.Context(), agentID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, err, "")
	}
	if profile == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "agent not found")
	}
	return profile, nil
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.agentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	profile, err := h.loadProfile(r, agentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileResponse(profile))
}

// putProfile creates or updates an agent. Changing the key regime drops
// the stored secrets since they can no longer be opened.
func (h *Handler) putProfile(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.agentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req ProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	profile, err := h.profiles.GetProfile(r.Context(), agentID)
	if err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeStorage, err, ""))
		return
	}
	created := profile == nil
	if created {
		profile = &models.AgentProfile{
			ID:               agentID,
			ChatMode:         string(models.ChatModeStandard),
			StandardProvider: string(models.ProviderOpenRouter),
		}
	}

	if req.ChatMode != nil {
		profile.ChatMode = string(models.NormalizeChatMode(*req.ChatMode))
	}
	if req.StandardProvider != nil {
		profile.StandardProvider = string(models.NormalizeStandardProvider(*req.StandardProvider))
	}
	setString(&profile.Model, req.Model)
	setString(&profile.OllamaModel, req.OllamaModel)
	setString(&profile.OllamaURL, req.OllamaURL)
	setString(&profile.GatewayURL, req.GatewayURL)
	setString(&profile.PersonalityKey, req.PersonalityKey)
	setString(&profile.Locale, req.Locale)
	if req.MasterKeyEnabled != nil && *req.MasterKeyEnabled != profile.MasterKeyEnabled {
		profile.MasterKeyEnabled = *req.MasterKeyEnabled
		if len(profile.Secrets) > 0 {
			h.logger.WithField("agent_id", agentID).Info("Key regime changed, clearing stored secrets")
			profile.Secrets = nil
		}
	}

	if err := h.profiles.SaveProfile(r.Context(), profile); err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeStorage, err, ""))
		return
	}

	h.logger.WithFields(logrus.Fields{
		"agent_id":  agentID,
		"chat_mode": profile.ChatMode,
		"created":   created,
	}).Info("Agent profile saved")

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newProfileResponse(profile))
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

// putSecret seals a provider secret under the agent's key regime. An empty
// value clears the secret.
func (h *Handler) putSecret(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.agentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req SecretRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Name != models.SecretOpenRouterKey && req.Name != models.SecretOpenClawToken {
		h.writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "unknown secret name: "+req.Name))
		return
	}

	profile, err := h.loadProfile(r, agentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if req.Value == "" {
		delete(profile.Secrets, req.Name)
	} else {
		secret, err := h.vault.Encrypt(r.Context(), req.Value, profile.MasterKeyEnabled)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if profile.Secrets == nil {
			profile.Secrets = make(map[string]*models.EncryptedSecret)
		}
		profile.Secrets[req.Name] = secret
	}

	if err := h.profiles.SaveProfile(r.Context(), profile); err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeStorage, err, ""))
		return
	}
	h.logger.WithFields(logrus.Fields{
		"agent_id": agentID,
		"secret":   req.Name,
		"cleared":  req.Value == "",
	}).Info("Agent secret updated")
	writeJSON(w, http.StatusOK, newProfileResponse(profile))
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.agentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stats, err := h.profiles.GetAgentStats(r.Context(), agentID)
	if err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeStorage, err, ""))
		return
	}
	if stats == nil {
		stats = &models.AgentStats{AgentID: agentID}
	}
	writeJSON(w, http.StatusOK, stats)
}
