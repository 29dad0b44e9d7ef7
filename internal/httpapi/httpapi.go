// Package httpapi exposes the core's external HTTP surface (spec.md §6).
// Deliberately minimal per the spec's Non-goals: one stdlib ServeMux, no
// router/middleware framework — no HTTP framework appears anywhere in the
// pack, so this is the stdlib-justified surface (see DESIGN.md). Every
// handler follows the same envelope: `{success:true,...}` or
// `{success:false, error:<code>, message, payload?}`.
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rubinfoundry/mintcore/internal/apierr"
	"github.com/rubinfoundry/mintcore/internal/domain"
	"github.com/rubinfoundry/mintcore/internal/license"
	"github.com/rubinfoundry/mintcore/internal/mint"
)

type Server struct {
	mint    *mint.Engine
	license *license.Service
	log     zerolog.Logger
	mux     *http.ServeMux
}

func New(mintEngine *mint.Engine, licenseService *license.Service, log zerolog.Logger) *Server {
	s := &Server{mint: mintEngine, license: licenseService, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/verification/generate-mint-token", s.handleGenerateMintToken)
	s.mux.HandleFunc("/api/verification/token/", s.handleTokenRoute)
	s.mux.HandleFunc("/api/verification/revoke-token", s.handleRevokeToken)
	s.mux.HandleFunc("/api/license-terms/find", s.handleLicenseFind)
	s.mux.HandleFunc("/api/license-terms/cache", s.handleLicenseCache)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type generateMintTokenRequest struct {
	CreatorAddress string           `json:"creatorAddress"`
	ContentHash    string           `json:"contentHash"`
	IPMetadataURI  string           `json:"ipMetadataURI"`
	NFTMetadataURI string           `json:"nftMetadataURI"`
	AssetType      domain.AssetType `json:"assetType"`
	SessionID      string           `json:"sessionId"`
	FingerprintID  string           `json:"fingerprintId"`
}

func (s *Server) handleGenerateMintToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req generateMintTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidInput, "malformed request body"))
		return
	}
	result, err := s.mint.Issue(r.Context(), mint.IssueInput{
		CreatorAddress: req.CreatorAddress,
		IPMetadataURI:  req.IPMetadataURI,
		NFTMetadataURI: req.NFTMetadataURI,
		AssetType:      req.AssetType,
		SessionID:      req.SessionID,
		FingerprintID:  req.FingerprintID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"signature":  "0x" + hex.EncodeToString(result.Signature[:]),
		"nonce":      result.Nonce,
		"expiresAt":  result.ExpiresAt.Unix(),
		"expiresIn":  result.ExpiresIn,
		"similarity": result.Similarity,
	})
}

// handleTokenRoute dispatches the three nonce-scoped routes sharing the
// /api/verification/token/:nonce/ prefix.
func (s *Server) handleTokenRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/verification/token/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeError(w, apierr.New(apierr.CodeInvalidInput, "malformed token path"))
		return
	}
	nonce, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidInput, "nonce must be a non-negative integer"))
		return
	}
	switch parts[1] {
	case "status":
		s.handleTokenStatus(w, r, nonce)
	case "update":
		s.handleTokenUpdate(w, r, nonce)
	case "finalize":
		s.handleTokenFinalize(w, r, nonce)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleTokenStatus(w http.ResponseWriter, r *http.Request, nonce uint64) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	result, err := s.mint.Status(nonce)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{
		"success":   true,
		"nonce":     result.Nonce,
		"status":    result.Status,
		"isExpired": result.IsExpired,
		"expiresAt": result.ExpiresAt.Unix(),
		"createdAt": result.CreatedAt.Unix(),
	}
	if result.RemainingSeconds != nil {
		body["remainingSeconds"] = *result.RemainingSeconds
	}
	if result.MintDetails != nil {
		body["mintDetails"] = result.MintDetails
	}
	writeJSON(w, http.StatusOK, body)
}

type tokenUpdateRequest struct {
	IPId    string `json:"ipId"`
	TokenID string `json:"tokenId"`
	TxHash  string `json:"txHash"`
}

func (s *Server) handleTokenUpdate(w http.ResponseWriter, r *http.Request, nonce uint64) {
	if r.Method != http.MethodPatch {
		writeMethodNotAllowed(w)
		return
	}
	var req tokenUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidInput, "malformed request body"))
		return
	}
	result, err := s.mint.Update(r.Context(), mint.UpdateInput{Nonce: nonce, IPId: req.IPId, TokenID: req.TokenID, TxHash: req.TxHash})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"nonce":   result.Nonce,
		"status":  result.Status,
		"usedAt":  result.UsedAt.Unix(),
	})
}

type tokenFinalizeRequest struct {
	LicenseTermsID   string             `json:"licenseTermsId"`
	LicenseType      domain.LicenseType `json:"licenseType"`
	RoyaltyPercent   int                `json:"royaltyPercent"`
	AllowDerivatives bool               `json:"allowDerivatives"`
	CommercialUse    bool               `json:"commercialUse"`
	LicenseTxHash    string             `json:"licenseTxHash"`
}

func (s *Server) handleTokenFinalize(w http.ResponseWriter, r *http.Request, nonce uint64) {
	if r.Method != http.MethodPatch {
		writeMethodNotAllowed(w)
		return
	}
	var req tokenFinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidInput, "malformed request body"))
		return
	}
	result, err := s.mint.Finalize(mint.FinalizeInput{
		Nonce: nonce, LicenseTermsID: req.LicenseTermsID, LicenseType: req.LicenseType,
		RoyaltyPercent: req.RoyaltyPercent, AllowDerivatives: req.AllowDerivatives,
		CommercialUse: req.CommercialUse, LicenseTxHash: req.LicenseTxHash,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"nonce":   result.Nonce,
		"status":  result.Status,
		"ipId":    result.IPId,
		"license": result.License,
	})
}

type revokeTokenRequest struct {
	Nonce  uint64 `json:"nonce"`
	Reason string `json:"reason"`
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req revokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidInput, "malformed request body"))
		return
	}
	result, err := s.mint.Revoke(req.Nonce, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"nonce":     result.Nonce,
		"revokedAt": result.RevokedAt.Unix(),
		"reason":    result.Reason,
	})
}

func (s *Server) handleLicenseFind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	licenseType := domain.LicenseType(r.URL.Query().Get("type"))
	royalty, err := strconv.Atoi(r.URL.Query().Get("royalty"))
	if err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidInput, "royalty must be an integer"))
		return
	}
	result, err := s.license.Find(licenseType, royalty)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{"success": true, "cached": result.Cached}
	if result.Cached {
		body["licenseTermsId"] = result.LicenseTermsID
	}
	writeJSON(w, http.StatusOK, body)
}

type licenseCacheRequest struct {
	LicenseType    domain.LicenseType `json:"licenseType"`
	RoyaltyPercent int                `json:"royaltyPercent"`
	LicenseTermsID string             `json:"licenseTermsId"`
	// TransactionHash is a pointer: an omitted field must not clobber a
	// previously recorded hash with an empty string.
	TransactionHash *string `json:"transactionHash,omitempty"`
}

func (s *Server) handleLicenseCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req licenseCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidInput, "malformed request body"))
		return
	}
	result, err := s.license.Put(license.PutInput{
		LicenseType: req.LicenseType, RoyaltyPercent: req.RoyaltyPercent,
		LicenseTermsID: req.LicenseTermsID, TransactionHash: req.TransactionHash,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"success": true, "created": result.Created})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	ae, ok := apierr.As(err)
	if !ok {
		ae = apierr.Wrap(apierr.CodeServerError, "internal error", err)
	}
	body := map[string]any{"success": false, "error": ae.Code, "message": ae.Message}
	if ae.Payload != nil {
		body["payload"] = ae.Payload
	}
	writeJSON(w, ae.Code.HTTPStatus(), body)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"success": false, "error": apierr.CodeInvalidInput, "message": "method not allowed",
	})
}

