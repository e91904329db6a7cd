package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIVersion is reported on every response
const APIVersion = "1.0"

// APIResponse is the envelope for every API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError describes a failed request
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteSuccess writes a 200 envelope with data
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

// WriteSuccessStatus writes a success envelope with the given status
func WriteSuccessStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-API-Version", APIVersion)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

// WriteError writes an error envelope
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-API-Version", APIVersion)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: &APIError{Code: code, Message: message}})
}

var errorMappings = []struct {
	err    error
	status int
	code   string
}{
	{ErrNotOwner, http.StatusUnauthorized, "NOT_OWNER"},
	{ErrNotRouter, http.StatusForbidden, "NOT_ROUTER"},
	{ErrNotSelected, http.StatusForbidden, "NOT_SELECTED"},
	{ErrSelectedChallenger, http.StatusForbidden, "SELECTED_CHALLENGER"},
	{ErrAheadOfID, http.StatusConflict, "AHEAD_OF_ID"},
	{ErrAlreadyReceived, http.StatusConflict, "ALREADY_RECEIVED"},
	{ErrReceiveCompleted, http.StatusConflict, "RECEIVE_COMPLETED"},
	{ErrRouterAlreadyRegistered, http.StatusConflict, "ROUTER_ALREADY_REGISTERED"},
	{ErrRouterNotExist, http.StatusNotFound, "ROUTER_NOT_EXIST"},
	{ErrCreditBeyondUpLimit, http.StatusBadRequest, "CREDIT_BEYOND_UP_LIMIT"},
	{ErrCreditValueError, http.StatusBadRequest, "CREDIT_VALUE_ERROR"},
	{ErrNotExecutable, http.StatusConflict, "NOT_EXECUTABLE"},
	{ErrChainMessageNotFound, http.StatusNotFound, "CHAIN_MESSAGE_NOT_FOUND"},
	{ErrIDOutOfBound, http.StatusBadRequest, "ID_OUT_OF_BOUND"},
	{ErrRevealCheckFailed, http.StatusConflict, "REVEAL_CHECK_FAILED"},
	{ErrNotRevealer, http.StatusForbidden, "NOT_REVEALER"},
	{ErrSQoSNotComplete, http.StatusConflict, "SQOS_NOT_COMPLETE"},
	{ErrWrongSQoSType, http.StatusConflict, "WRONG_SQOS_TYPE"},
	{ErrSQoSCompleted, http.StatusConflict, "SQOS_COMPLETED"},
	{ErrAlreadyCommitted, http.StatusConflict, "ALREADY_COMMITTED"},
	{ErrAlreadyChallenged, http.StatusConflict, "ALREADY_CHALLENGED"},
	{ErrChallengeWindowClosed, http.StatusConflict, "CHALLENGE_WINDOW_CLOSED"},
	{ErrInvalidSQoSValue, http.StatusBadRequest, "INVALID_SQOS_VALUE"},
	{ErrDecodeDataFailed, http.StatusBadGateway, "DECODE_DATA_FAILED"},
	{ErrCrossContractCallFailed, http.StatusBadGateway, "CROSS_CONTRACT_CALL_FAILED"},
	{ErrInvalidMessage, http.StatusBadRequest, "INVALID_MESSAGE"},
}

// writeEngineError maps an engine error onto the envelope
func writeEngineError(w http.ResponseWriter, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			WriteError(w, m.status, m.code, err.Error())
			return
		}
	}
	WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

// NewRouter builds the HTTP API. Owner-only routes live under /api/admin.
func (node *RelayNode) NewRouter(cfg *Config) *mux.Router {
	router := mux.NewRouter()

	router.Use(RequestIDMiddleware)
	router.Use(TracingMiddleware)
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(NewClientRateLimiter(cfg.RateLimitPerMinute, cfg.TrustProxyHeaders)))
	router.Use(BodySizeLimitMiddleware(cfg.MaxBodySizeBytes))

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", node.HealthCheckHandler).Methods("GET")
	api.HandleFunc("/info", node.GetInfoHandler).Methods("GET")
	api.HandleFunc("/evaluation", node.GetEvaluationHandler).Methods("GET")

	// Router ledger
	api.HandleFunc("/routers", node.GetRoutersHandler).Methods("GET")
	api.HandleFunc("/routers/current", node.GetCurrentRoutersHandler).Methods("GET")
	api.HandleFunc("/routers/{id}", node.GetRouterHandler).Methods("GET")

	// Router submissions
	signed := func(h http.HandlerFunc) http.Handler { return node.RouterAuthMiddleware(h) }
	api.Handle("/messages", signed(node.ReceiveMessageHandler)).Methods("POST")
	api.Handle("/messages/abandon", signed(node.AbandonMessageHandler)).Methods("POST")
	api.Handle("/messages/hidden", signed(node.ReceiveHiddenMessageHandler)).Methods("POST")
	api.Handle("/messages/challenge", signed(node.ChallengeHandler)).Methods("POST")

	// Received message queries
	api.HandleFunc("/messages/{chain}/count", node.GetReceivedCountHandler).Methods("GET")
	api.Handle("/messages/{chain}/task", signed(node.GetMessageTaskHandler)).Methods("GET")
	api.HandleFunc("/messages/{chain}/pending", node.GetPendingMessagesHandler).Methods("GET")
	api.HandleFunc("/messages/{chain}/abandoned", node.GetAbandonedRoundsHandler).Methods("GET")
	api.HandleFunc("/messages/{chain}/{id:[0-9]+}", node.GetReceivedMessageHandler).Methods("GET")
	api.HandleFunc("/messages/{chain}/{id:[0-9]+}/commitments", node.GetCommitmentsHandler).Methods("GET")
	api.HandleFunc("/messages/{chain}/{id:[0-9]+}/challenges", node.GetChallengesHandler).Methods("GET")

	// Execution
	api.HandleFunc("/executable", node.GetExecutableMessagesHandler).Methods("GET")
	api.HandleFunc("/executable/{chain}/{id:[0-9]+}/execute", node.ExecuteHandler).Methods("POST")

	// Outbound messages
	api.HandleFunc("/sent/{chain}/count", node.GetSentCountHandler).Methods("GET")
	api.HandleFunc("/sent/{chain}/{id:[0-9]+}", node.GetSentMessageHandler).Methods("GET")

	api.HandleFunc("/sqos/{contract}", node.GetSQoSHandler).Methods("GET")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(NewAdminAuth(cfg.AdminAuthSecret, cfg.RequireAdminAuth).Middleware)
	admin.HandleFunc("/routers", node.RegisterRouterHandler).Methods("POST")
	admin.HandleFunc("/routers/batch", node.RegisterRoutersHandler).Methods("POST")
	admin.HandleFunc("/routers", node.UnregisterAllRoutersHandler).Methods("DELETE")
	admin.HandleFunc("/routers/{id}", node.UnregisterRouterHandler).Methods("DELETE")
	admin.HandleFunc("/routers/{id}/credibility", node.SetRouterCredibilityHandler).Methods("PUT")
	admin.HandleFunc("/routers/{id}/secret", node.GetRouterSecretHandler).Methods("GET")
	admin.HandleFunc("/evaluation/threshold", node.SetThresholdHandler).Methods("PUT")
	admin.HandleFunc("/evaluation/selection-ratio", node.SetSelectionRatioHandler).Methods("PUT")
	admin.HandleFunc("/evaluation/coefficient", node.SetCoefficientHandler).Methods("PUT")
	admin.HandleFunc("/evaluation/initial-credibility", node.SetInitialCredibilityHandler).Methods("PUT")
	admin.HandleFunc("/evaluation/selected-number", node.SetSelectedNumberHandler).Methods("PUT")
	admin.HandleFunc("/selection", node.SelectRoutersHandler).Methods("POST")
	admin.HandleFunc("/sqos/{contract}", node.SetSQoSHandler).Methods("PUT")
	admin.HandleFunc("/sqos/{contract}", node.RemoveSQoSHandler).Methods("DELETE")
	admin.HandleFunc("/sent", node.SendMessageHandler).Methods("POST")
	admin.HandleFunc("/messages/{chain}", node.ClearMessagesHandler).Methods("DELETE")
	admin.HandleFunc("/sent/{chain}", node.ClearSentMessagesHandler).Methods("DELETE")

	return router
}

// NewServer wraps the API router in an HTTP server
func (node *RelayNode) NewServer(cfg *Config) *http.Server {
	return &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: node.NewRouter(cfg),
	}
}

func routerFromRequest(w http.ResponseWriter, r *http.Request) (RouterID, bool) {
	id, ok := routerFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusForbidden, "NOT_ROUTER", "Request is not signed by a router")
		return "", false
	}
	return id, true
}

func keyFromPath(w http.ResponseWriter, r *http.Request) (string, uint64, bool) {
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid message id")
		return "", 0, false
	}
	return vars["chain"], id, true
}

// HealthCheckHandler handles health check requests
func (node *RelayNode) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"status":  "ok",
		"chain":   node.ChainName,
		"version": "1.0.0",
	})
}

// GetInfoHandler reports the node's chain and relay-set summary
func (node *RelayNode) GetInfoHandler(w http.ResponseWriter, r *http.Request) {
	node.mu.Lock()
	info := map[string]interface{}{
		"chain":             node.ChainName,
		"version":           "1.0.0",
		"registeredRouters": node.ledger.Len(),
		"activeRouters":     len(node.currentRouters),
		"selectedNumber":    node.evaluation.SelectedNumber,
		"stageStartedAt":    node.stageStartedAt,
		"executable":        len(node.executableKeys),
		"pending":           node.pendingKeys.Len(),
	}
	node.mu.Unlock()

	WriteSuccess(w, info)
}

// GetEvaluationHandler returns the evaluation parameters
func (node *RelayNode) GetEvaluationHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, node.Evaluation())
}

// GetRoutersHandler lists registered routers with their credibility
func (node *RelayNode) GetRoutersHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"routers": node.Routers(),
	})
}

// GetCurrentRoutersHandler lists the active relay set
func (node *RelayNode) GetCurrentRoutersHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"routers": node.CurrentRouters(),
	})
}

// GetRouterHandler returns one router's credibility and selection status
func (node *RelayNode) GetRouterHandler(w http.ResponseWriter, r *http.Request) {
	id := RouterID(mux.Vars(r)["id"])
	credibility, registered := node.RouterCredibility(id)
	if !registered {
		WriteError(w, http.StatusNotFound, "ROUTER_NOT_EXIST", "Router not registered")
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"id":          id,
		"credibility": credibility,
		"selected":    node.IsSelected(id),
	})
}

// ReceiveMessageHandler accepts a router's message submission
func (node *RelayNode) ReceiveMessageHandler(w http.ResponseWriter, r *http.Request) {
	router, ok := routerFromRequest(w, r)
	if !ok {
		return
	}

	var msg Message
	if err := DecodeJSONBody(w, r, &msg); err != nil {
		return
	}

	result, err := node.ReceiveMessage(r.Context(), router, msg)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, result)
}

type abandonRequest struct {
	Chain     string `json:"chain"`
	ID        uint64 `json:"id"`
	ErrorCode uint16 `json:"errorCode"`
}

// AbandonMessageHandler accepts a router's vote to skip a message
func (node *RelayNode) AbandonMessageHandler(w http.ResponseWriter, r *http.Request) {
	router, ok := routerFromRequest(w, r)
	if !ok {
		return
	}

	var req abandonRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	result, err := node.AbandonMessage(r.Context(), router, req.Chain, req.ID, req.ErrorCode)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, result)
}

type hiddenMessageRequest struct {
	Chain      string `json:"chain"`
	ID         uint64 `json:"id"`
	Contract   string `json:"contract"`
	Commitment Hash32 `json:"commitment"`
}

// ReceiveHiddenMessageHandler accepts a commitment under a Reveal policy
func (node *RelayNode) ReceiveHiddenMessageHandler(w http.ResponseWriter, r *http.Request) {
	router, ok := routerFromRequest(w, r)
	if !ok {
		return
	}

	var req hiddenMessageRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	if err := node.ReceiveHiddenMessage(r.Context(), router, req.Chain, req.ID, req.Contract, req.Commitment); err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"chain": req.Chain,
		"id":    req.ID,
	})
}

type challengeRequest struct {
	Chain string `json:"chain"`
	ID    uint64 `json:"id"`
}

// ChallengeHandler accepts a challenge against a finalized message
func (node *RelayNode) ChallengeHandler(w http.ResponseWriter, r *http.Request) {
	router, ok := routerFromRequest(w, r)
	if !ok {
		return
	}

	var req challengeRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	rolledBack, err := node.Challenge(r.Context(), router, req.Chain, req.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"chain":      req.Chain,
		"id":         req.ID,
		"rolledBack": rolledBack,
	})
}

// GetReceivedCountHandler returns the highest in-order id received from a chain
func (node *RelayNode) GetReceivedCountHandler(w http.ResponseWriter, r *http.Request) {
	chain := mux.Vars(r)["chain"]
	WriteSuccess(w, map[string]interface{}{
		"chain": chain,
		"count": node.ReceivedCount(chain),
	})
}

// GetMessageTaskHandler returns the next id the calling router should port
func (node *RelayNode) GetMessageTaskHandler(w http.ResponseWriter, r *http.Request) {
	router, ok := routerFromRequest(w, r)
	if !ok {
		return
	}
	chain := mux.Vars(r)["chain"]
	WriteSuccess(w, map[string]interface{}{
		"chain": chain,
		"id":    node.MessageTask(chain, router),
	})
}

// GetPendingMessagesHandler lists keys awaiting consensus for a chain
func (node *RelayNode) GetPendingMessagesHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"pending": node.PendingMessages(mux.Vars(r)["chain"]),
	})
}

// GetAbandonedRoundsHandler lists consensus rounds that ended without a winner
func (node *RelayNode) GetAbandonedRoundsHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"abandoned": node.AbandonedRounds(mux.Vars(r)["chain"]),
	})
}

// GetReceivedMessageHandler returns the submission state for one key
func (node *RelayNode) GetReceivedMessageHandler(w http.ResponseWriter, r *http.Request) {
	chain, id, ok := keyFromPath(w, r)
	if !ok {
		return
	}
	entry, err := node.ReceivedMessage(chain, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, entry)
}

// GetCommitmentsHandler returns the Reveal commit phase for one key
func (node *RelayNode) GetCommitmentsHandler(w http.ResponseWriter, r *http.Request) {
	chain, id, ok := keyFromPath(w, r)
	if !ok {
		return
	}
	hidden, exists := node.HiddenCommitments(chain, id)
	if !exists {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "No commitments for message")
		return
	}
	WriteSuccess(w, hidden)
}

// GetChallengesHandler returns the challenges raised against one key
func (node *RelayNode) GetChallengesHandler(w http.ResponseWriter, r *http.Request) {
	chain, id, ok := keyFromPath(w, r)
	if !ok {
		return
	}
	state, exists := node.Challenges(chain, id)
	if !exists {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "No challenges for message")
		return
	}
	WriteSuccess(w, state)
}

// GetExecutableMessagesHandler lists executable keys, optionally filtered by ?chains=a,b
func (node *RelayNode) GetExecutableMessagesHandler(w http.ResponseWriter, r *http.Request) {
	var chains []string
	if raw := r.URL.Query().Get("chains"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				chains = append(chains, c)
			}
		}
	}
	WriteSuccess(w, map[string]interface{}{
		"executable": node.ExecutableMessages(chains),
	})
}

// ExecuteHandler triggers execution of a finalized message
func (node *RelayNode) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	chain, id, ok := keyFromPath(w, r)
	if !ok {
		return
	}
	if err := node.Execute(r.Context(), chain, id); err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"chain":    chain,
		"id":       id,
		"executed": true,
	})
}

// GetSentCountHandler returns the number of messages sent to a chain
func (node *RelayNode) GetSentCountHandler(w http.ResponseWriter, r *http.Request) {
	chain := mux.Vars(r)["chain"]
	WriteSuccess(w, map[string]interface{}{
		"chain": chain,
		"count": node.SentCount(chain),
	})
}

// GetSentMessageHandler returns one outbound message
func (node *RelayNode) GetSentMessageHandler(w http.ResponseWriter, r *http.Request) {
	chain, id, ok := keyFromPath(w, r)
	if !ok {
		return
	}
	sent, err := node.SentMessage(chain, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, sent)
}

// GetSQoSHandler returns a contract's policy
func (node *RelayNode) GetSQoSHandler(w http.ResponseWriter, r *http.Request) {
	contract := mux.Vars(r)["contract"]
	policy, ok := node.SQoS(contract)
	if !ok {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "No sqos for contract")
		return
	}
	WriteSuccess(w, policy)
}

type registerRouterRequest struct {
	ID RouterID `json:"id"`
}

// RegisterRouterHandler registers a router at the initial credibility
func (node *RelayNode) RegisterRouterHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRouterRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !IsValidRouterID(req.ID) {
		WriteError(w, http.StatusBadRequest, "INVALID_ROUTER", "Invalid router id")
		return
	}
	if err := node.RegisterRouter(req.ID); err != nil {
		writeEngineError(w, err)
		return
	}
	credibility, _ := node.RouterCredibility(req.ID)
	WriteSuccessStatus(w, http.StatusCreated, map[string]interface{}{
		"id":          req.ID,
		"credibility": credibility,
		"secret":      node.RouterSecret(req.ID),
	})
}

type registerRoutersRequest struct {
	IDs         []RouterID `json:"ids"`
	Credibility uint32     `json:"credibility"`
}

// RegisterRoutersHandler registers several routers at one credibility
func (node *RelayNode) RegisterRoutersHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRoutersRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	for _, id := range req.IDs {
		if !IsValidRouterID(id) {
			WriteError(w, http.StatusBadRequest, "INVALID_ROUTER", "Invalid router id")
			return
		}
	}
	added, err := node.RegisterRouters(req.IDs, req.Credibility)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	secrets := make(map[RouterID]string, len(req.IDs))
	for _, id := range req.IDs {
		if _, registered := node.RouterCredibility(id); registered {
			secrets[id] = node.RouterSecret(id)
		}
	}
	WriteSuccess(w, map[string]interface{}{
		"added":   added,
		"secrets": secrets,
	})
}

// GetRouterSecretHandler reissues the signing secret of a registered router
func (node *RelayNode) GetRouterSecretHandler(w http.ResponseWriter, r *http.Request) {
	id := RouterID(mux.Vars(r)["id"])
	if _, registered := node.RouterCredibility(id); !registered {
		writeEngineError(w, fmt.Errorf("%w: %s", ErrRouterNotExist, id))
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"id":     id,
		"secret": node.RouterSecret(id),
	})
}

// UnregisterRouterHandler removes a router
func (node *RelayNode) UnregisterRouterHandler(w http.ResponseWriter, r *http.Request) {
	id := RouterID(mux.Vars(r)["id"])
	if err := node.UnregisterRouter(id); err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"id": id,
	})
}

// UnregisterAllRoutersHandler clears the ledger
func (node *RelayNode) UnregisterAllRoutersHandler(w http.ResponseWriter, r *http.Request) {
	node.UnregisterAllRouters()
	WriteSuccess(w, map[string]interface{}{
		"routers": 0,
	})
}

type valueRequest struct {
	Value uint32 `json:"value"`
}

// SetRouterCredibilityHandler overwrites a router's credibility
func (node *RelayNode) SetRouterCredibilityHandler(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	id := RouterID(mux.Vars(r)["id"])
	if err := node.SetRouterCredibility(id, req.Value); err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, RouterCredibility{ID: id, Credibility: req.Value})
}

// SetThresholdHandler replaces the credibility thresholds
func (node *RelayNode) SetThresholdHandler(w http.ResponseWriter, r *http.Request) {
	var req Threshold
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if err := node.SetThreshold(req); err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, node.Evaluation())
}

// SetSelectionRatioHandler replaces the selection ratio bounds
func (node *RelayNode) SetSelectionRatioHandler(w http.ResponseWriter, r *http.Request) {
	var req SelectionRatio
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if err := node.SetSelectionRatio(req); err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, node.Evaluation())
}

// SetCoefficientHandler replaces the evaluation coefficients
func (node *RelayNode) SetCoefficientHandler(w http.ResponseWriter, r *http.Request) {
	var req Coefficient
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if err := node.SetCoefficient(req); err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, node.Evaluation())
}

// SetInitialCredibilityHandler sets the credibility of newly registered routers
func (node *RelayNode) SetInitialCredibilityHandler(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if err := node.SetInitialCredibility(req.Value); err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, node.Evaluation())
}

// SetSelectedNumberHandler sets the active relay set size
func (node *RelayNode) SetSelectedNumberHandler(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if req.Value > 255 {
		WriteError(w, http.StatusBadRequest, "CREDIT_VALUE_ERROR", "Selected number must be at most 255")
		return
	}
	node.SetSelectedNumber(uint8(req.Value))
	WriteSuccess(w, node.Evaluation())
}

// SelectRoutersHandler runs a selection round
func (node *RelayNode) SelectRoutersHandler(w http.ResponseWriter, r *http.Request) {
	selected := node.SelectRouters(r.Context())
	WriteSuccess(w, map[string]interface{}{
		"routers": selected,
	})
}

// SetSQoSHandler installs a contract policy
func (node *RelayNode) SetSQoSHandler(w http.ResponseWriter, r *http.Request) {
	var req SQoS
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	contract := mux.Vars(r)["contract"]
	if err := node.SetSQoS(contract, req); err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccess(w, req)
}

// RemoveSQoSHandler restores the plain policy for a contract
func (node *RelayNode) RemoveSQoSHandler(w http.ResponseWriter, r *http.Request) {
	contract := mux.Vars(r)["contract"]
	node.RemoveSQoS(contract)
	WriteSuccess(w, map[string]interface{}{
		"contract": contract,
	})
}

type sendMessageRequest struct {
	Sender  string          `json:"sender"`
	Message OutboundMessage `json:"message"`
}

// SendMessageHandler records an outbound message
func (node *RelayNode) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	id, err := node.SendMessage(req.Sender, req.Message)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteSuccessStatus(w, http.StatusCreated, map[string]interface{}{
		"toChain": req.Message.ToChain,
		"id":      id,
	})
}

// ClearMessagesHandler drops received-side records for a chain
func (node *RelayNode) ClearMessagesHandler(w http.ResponseWriter, r *http.Request) {
	chain := mux.Vars(r)["chain"]
	node.ClearMessages(chain)
	WriteSuccess(w, map[string]interface{}{
		"chain": chain,
	})
}

// ClearSentMessagesHandler drops the outbound table for a chain
func (node *RelayNode) ClearSentMessagesHandler(w http.ResponseWriter, r *http.Request) {
	chain := mux.Vars(r)["chain"]
	node.ClearSentMessages(chain)
	WriteSuccess(w, map[string]interface{}{
		"chain": chain,
	})
}
