package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/ruteri/agent-identity-provisioner/wallet"
	"github.com/ruteri/agent-identity-provisioner/workflow"
)

// maxBodySize is the maximum allowed request body size (64KB).
const maxBodySize = 64 * 1024

var (
	errInvalidAccount  = errors.New("account must be a 0x-prefixed 20 byte hex address")
	errNotRelayed      = errors.New("workflow is not waiting for a relayed signature")
	errEmptySignedTx   = errors.New("signedTx is required")
	errWorkflowStopped = errors.New("workflow is not running")
)

// RequestError carries the HTTP status code for an error response.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// WorkflowRunner is the part of workflow.Manager used by the API.
type WorkflowRunner interface {
	Start(ctx context.Context, form interfaces.ProvisionFormData, session interfaces.SigningSession) (*interfaces.WorkflowState, error)
	Resume(ctx context.Context, id string, session interfaces.SigningSession) (*interfaces.WorkflowState, error)
	Get(ctx context.Context, id string) (*interfaces.WorkflowState, error)
	List(ctx context.Context) ([]string, error)
	Cancel(ctx context.Context, id string) (*interfaces.WorkflowState, error)
	Session(id string) (interfaces.SigningSession, bool)
	Subscribe(id string) (<-chan *interfaces.WorkflowState, func())
}

// StartRequest is the body of POST /api/workflows.
type StartRequest struct {
	interfaces.ProvisionFormData

	// Account is the wallet address that signs the burn and registration.
	Account string `json:"account"`
}

// ResumeRequest is the optional body of POST /api/workflows/{id}/resume.
type ResumeRequest struct {
	Account string `json:"account,omitempty"`
}

// SignatureSubmission is the body of POST /api/workflows/{id}/signature.
type SignatureSubmission struct {
	// SignedTx is the RLP encoded signed transaction as returned by eth_signTransaction.
	SignedTx string `json:"signedTx"`
}

// SignatureRejection is the body of POST /api/workflows/{id}/signature/reject.
type SignatureRejection struct {
	Reason string `json:"reason,omitempty"`
}

// Handler serves the provisioning workflow API used by the web front end.
// Workflows started over HTTP sign through a relay session: the unsigned
// transaction is published in the workflow state and the browser wallet
// posts the signed transaction back.
type Handler struct {
	runner    WorkflowRunner
	validator workflow.MetadataBuilder
	log       *slog.Logger
}

// NewHandler creates the API handler. validator rejects unusable forms before a workflow is created.
func NewHandler(runner WorkflowRunner, validator workflow.MetadataBuilder, log *slog.Logger) *Handler {
	return &Handler{
		runner:    runner,
		validator: validator,
		log:       log,
	}
}

// HandleStart creates and starts a workflow.
//
// URL format: POST /api/workflows
// Request body: StartRequest
// Response: 202 with the initial WorkflowState
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	account, err := parseAccount(req.Account)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.validator.Build(req.ProvisionFormData); err != nil {
		writeError(w, &RequestError{StatusCode: http.StatusUnprocessableEntity, Err: err})
		return
	}

	session := wallet.NewRelaySession(account, h.log)
	state, err := h.runner.Start(r.Context(), req.ProvisionFormData, session)
	if err != nil {
		h.log.Error("Failed to start workflow", "err", err)
		writeError(w, err)
		return
	}

	h.log.Info("Workflow started", slog.String("workflowID", state.ID), slog.String("account", account.Hex()))
	writeJSON(w, http.StatusAccepted, state)
}

// HandleList returns the ids of all workflows.
//
// URL format: GET /api/workflows
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ids, err := h.runner.List(r.Context())
	if err != nil {
		h.log.Error("Failed to list workflows", "err", err)
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"workflows": ids})
}

// HandleGet returns the current state of a workflow.
//
// URL format: GET /api/workflows/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	state, err := h.runner.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleEvents streams state snapshots of a running workflow as server-sent events
// until the workflow reaches a terminal step or the client disconnects.
//
// URL format: GET /api/workflows/{id}/events
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rc := http.NewResponseController(w)

	updates, unsubscribe := h.runner.Subscribe(id)
	defer unsubscribe()

	current, err := h.runner.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(state *interfaces.WorkflowState) bool {
		data, err := json.Marshal(state)
		if err != nil {
			h.log.Error("Failed to encode workflow event", "err", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
			return false
		}
		if err := rc.Flush(); err != nil {
			h.log.Warn("Event stream cannot be flushed", "err", err)
			return false
		}
		return !state.Terminal()
	}

	if !send(current) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case state, ok := <-updates:
			if !ok || !send(state) {
				return
			}
		}
	}
}

// HandleResume resumes a failed or interrupted workflow after its last completed step.
//
// URL format: POST /api/workflows/{id}/resume
// Request body: optional ResumeRequest; the workflow owner signs by default
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResumeRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}

	existing, err := h.runner.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	accountHex := req.Account
	if accountHex == "" {
		accountHex = existing.Owner
	}
	account, err := parseAccount(accountHex)
	if err != nil {
		writeError(w, err)
		return
	}

	state, err := h.runner.Resume(r.Context(), id, wallet.NewRelaySession(account, h.log))
	if err != nil {
		writeError(w, err)
		return
	}

	h.log.Info("Workflow resumed", slog.String("workflowID", id), slog.String("lastCompletedStep", state.LastCompletedStep.String()))
	writeJSON(w, http.StatusAccepted, state)
}

// HandleCancel aborts a workflow that has not reached an on-chain step.
//
// URL format: POST /api/workflows/{id}/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	state, err := h.runner.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleSignatureRequest returns the transaction waiting for the user's signature.
//
// URL format: GET /api/workflows/{id}/signature
func (h *Handler) HandleSignatureRequest(w http.ResponseWriter, r *http.Request) {
	relay, err := h.relayFor(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	pending := relay.Pending()
	if pending == nil {
		writeError(w, &RequestError{StatusCode: http.StatusNotFound, Err: wallet.ErrNoPendingRequest})
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// HandleSignature delivers the signed transaction for the pending request.
//
// URL format: POST /api/workflows/{id}/signature
// Request body: SignatureSubmission
func (h *Handler) HandleSignature(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SignatureSubmission
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.SignedTx) == "" {
		writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Err: errEmptySignedTx})
		return
	}

	relay, err := h.relayFor(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := relay.Submit(req.SignedTx); err != nil {
		h.log.Warn("Signed transaction refused", slog.String("workflowID", id), "err", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRejectSignature reports that the user declined the pending request.
//
// URL format: POST /api/workflows/{id}/signature/reject
func (h *Handler) HandleRejectSignature(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SignatureRejection
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}

	relay, err := h.relayFor(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := relay.Reject(req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) relayFor(id string) (*wallet.RelaySession, error) {
	session, ok := h.runner.Session(id)
	if !ok {
		return nil, &RequestError{StatusCode: http.StatusConflict, Err: errWorkflowStopped}
	}
	relay, ok := session.(*wallet.RelaySession)
	if !ok {
		return nil, &RequestError{StatusCode: http.StatusConflict, Err: errNotRelayed}
	}
	return relay, nil
}

func parseAccount(account string) (common.Address, error) {
	if !strings.HasPrefix(account, "0x") || !common.IsHexAddress(account) {
		return common.Address{}, &RequestError{StatusCode: http.StatusBadRequest, Err: errInvalidAccount}
	}
	return common.HexToAddress(account), nil
}

// decodeBody decodes a JSON request body. An empty body yields io.EOF.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid request body: %w", err)}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case errors.Is(err, io.EOF):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrValidation), errors.Is(err, wallet.ErrSignatureMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrWorkflowRunning),
		errors.Is(err, workflow.ErrWorkflowCompleted),
		errors.Is(err, workflow.ErrCancelNotAllowed),
		errors.Is(err, workflow.ErrOwnerMismatch),
		errors.Is(err, wallet.ErrNoPendingRequest),
		errors.Is(err, interfaces.ErrSignatureRequestPending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if errors.Is(err, io.EOF) {
		msg = "request body is required"
	}
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
