package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	goerrors "github.com/go-errors/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/5day4cast/coordinator/auth"
	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/ids"
	"github.com/5day4cast/coordinator/lifecycle"
	"github.com/5day4cast/coordinator/oracle"
)

// authHeaderScheme prefixes the signed-attestation Authorization header.
const authHeaderScheme = "Nostr "

// ctxKeyPubkey carries the authenticated npub through the request context.
type ctxKeyPubkey struct{}

// apiError pairs an HTTP status with a user-safe message. Internal detail
// never crosses this boundary; it is logged instead.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return e.message
}

func errNotFound(msg string) *apiError {
	return &apiError{status: http.StatusNotFound, message: msg}
}

func errBadRequest(msg string) *apiError {
	return &apiError{status: http.StatusBadRequest, message: msg}
}

func errUnauthorized() *apiError {
	return &apiError{
		status:  http.StatusUnauthorized,
		message: "unauthorized",
	}
}

func errConflict(msg string) *apiError {
	return &apiError{status: http.StatusConflict, message: msg}
}

func errTransient() *apiError {
	return &apiError{
		status:  http.StatusServiceUnavailable,
		message: "upstream temporarily unavailable",
	}
}

func errInternal() *apiError {
	return &apiError{
		status:  http.StatusInternalServerError,
		message: "internal error",
	}
}

// restServer exposes the public and admin HTTP/JSON surfaces.
type restServer struct {
	started  int32 // atomic
	shutdown int32 // atomic

	server *server

	public *http.Server
	admin  *http.Server
}

// newRESTServer builds both routers against the daemon's subsystems.
func newRESTServer(s *server) (*restServer, error) {
	r := &restServer{server: s}

	public := mux.NewRouter()
	public.Use(r.recoverMiddleware)

	public.HandleFunc("/health_check", r.healthCheck).
		Methods(http.MethodGet)
	public.HandleFunc("/competitions", r.listCompetitions).
		Methods(http.MethodGet)
	public.HandleFunc("/competitions/{id}/tickets",
		r.requireAuth(r.reserveTicket)).Methods(http.MethodPost)
	public.HandleFunc("/competitions/{id}/tickets/{ticket_id}",
		r.ticketStatus).Methods(http.MethodGet)
	public.HandleFunc("/competitions/{id}/entries",
		r.requireAuth(r.submitEntry)).Methods(http.MethodPost)
	public.HandleFunc("/competitions/{id}/leaderboard", r.leaderboard).
		Methods(http.MethodGet)
	public.HandleFunc("/payouts", r.requireAuth(r.submitPayout)).
		Methods(http.MethodPost)

	public.HandleFunc("/users/login", r.requireAuth(r.login)).
		Methods(http.MethodPost)
	public.HandleFunc("/users/register", r.requireAuth(r.register)).
		Methods(http.MethodPost)
	public.HandleFunc("/users/username/register", r.registerUsername).
		Methods(http.MethodPost)
	public.HandleFunc("/users/username/login", r.loginUsername).
		Methods(http.MethodPost)
	public.HandleFunc("/users/username/change-password",
		r.requireAuth(r.changePassword)).Methods(http.MethodPost)
	public.HandleFunc("/users/forgot-password/challenge",
		r.forgotPasswordChallenge).Methods(http.MethodPost)
	public.HandleFunc("/users/forgot-password/reset",
		r.forgotPasswordReset).Methods(http.MethodPost)

	admin := mux.NewRouter()
	admin.Use(r.recoverMiddleware)

	admin.HandleFunc("/admin/api/competitions", r.createCompetition).
		Methods(http.MethodPost)
	admin.HandleFunc("/admin/wallet/balance", r.walletBalance).
		Methods(http.MethodGet)
	admin.HandleFunc("/admin/wallet/address", r.walletAddress).
		Methods(http.MethodGet)
	admin.HandleFunc("/admin/wallet/fees", r.walletFees).
		Methods(http.MethodGet)
	admin.HandleFunc("/admin/wallet/outputs", r.walletOutputs).
		Methods(http.MethodGet)
	admin.HandleFunc("/admin/wallet/send", r.walletSend).
		Methods(http.MethodPost)
	admin.Handle("/metrics", promhttp.HandlerFor(
		s.metrics.registry, promhttp.HandlerOpts{},
	)).Methods(http.MethodGet)

	r.public = &http.Server{
		Addr:         s.cfg.RESTListen,
		Handler:      public,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	r.admin = &http.Server{
		Addr:         s.cfg.AdminRESTListen,
		Handler:      admin,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return r, nil
}

// Start begins serving both listeners.
func (r *restServer) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return nil
	}

	restLog.Infof("Public REST server listening on %v", r.public.Addr)
	restLog.Infof("Admin REST server listening on %v", r.admin.Addr)

	go func() {
		err := r.public.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			restLog.Errorf("Public REST server: %v", err)
		}
	}()
	go func() {
		err := r.admin.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			restLog.Errorf("Admin REST server: %v", err)
		}
	}()

	return nil
}

// Stop shuts both listeners down, draining in-flight requests.
func (r *restServer) Stop() {
	if !atomic.CompareAndSwapInt32(&r.shutdown, 0, 1) {
		return
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()

	var eg errgroup.Group
	eg.Go(func() error {
		return r.public.Shutdown(ctx)
	})
	eg.Go(func() error {
		return r.admin.Shutdown(ctx)
	})
	if err := eg.Wait(); err != nil {
		restLog.Warnf("REST shutdown: %v", err)
	}
}

// recoverMiddleware converts handler panics into 500s with a logged stack.
func (r *restServer) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter,
		req *http.Request) {

		defer func() {
			if rec := recover(); rec != nil {
				wrapped := goerrors.Wrap(rec, 2)
				restLog.Criticalf("Handler panic on %v: %v\n%s",
					req.URL.Path, rec,
					wrapped.ErrorStack())
				sendError(w, errInternal())
			}
		}()

		next.ServeHTTP(w, req)
	})
}

// requireAuth verifies the request's signed attestation and injects the
// caller's npub into the context.
func (r *restServer) requireAuth(
	next http.HandlerFunc) http.HandlerFunc {

	return func(w http.ResponseWriter, req *http.Request) {
		header := req.Header.Get("Authorization")
		if !strings.HasPrefix(header, authHeaderScheme) {
			sendError(w, errUnauthorized())
			return
		}
		header = strings.TrimPrefix(header, authHeaderScheme)

		body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil {
			sendError(w, errBadRequest("unable to read body"))
			return
		}
		req.Body = io.NopCloser(bytes.NewReader(body))

		npub, err := auth.Verify(
			header, req.Method, req.URL.RequestURI(), body,
			r.server.registry.Now(),
		)
		if err != nil {
			restLog.Debugf("Rejected attestation on %v: %v",
				req.URL.Path, err)
			sendError(w, errUnauthorized())
			return
		}

		ctx := context.WithValue(req.Context(), ctxKeyPubkey{}, npub)
		next(w, req.WithContext(ctx))
	}
}

// callerPubkey returns the authenticated npub from the request context.
func callerPubkey(req *http.Request) string {
	npub, _ := req.Context().Value(ctxKeyPubkey{}).(string)
	return npub
}

func sendJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			restLog.Errorf("Unable to encode response: %v", err)
		}
	}
}

func sendError(w http.ResponseWriter, apiErr *apiError) {
	sendJSON(w, apiErr.status, map[string]string{
		"error": apiErr.message,
	})
}

// mapError translates internal errors onto the API taxonomy, logging
// anything that surfaces as a 500.
func mapError(err error) *apiError {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, compdb.ErrCompetitionNotFound),
		errors.Is(err, compdb.ErrTicketNotFound),
		errors.Is(err, compdb.ErrEntryNotFound),
		errors.Is(err, compdb.ErrPayoutNotFound):

		return errNotFound(err.Error())

	case errors.Is(err, compdb.ErrUserNotFound),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrChallengeNotFound):

		return errUnauthorized()

	case errors.Is(err, compdb.ErrNoTicketsAvailable),
		errors.Is(err, compdb.ErrDuplicateEntry),
		errors.Is(err, compdb.ErrCompetitionTerminal):

		return errConflict(err.Error())

	case errors.Is(err, compdb.ErrTicketNotPaid),
		errors.Is(err, compdb.ErrTicketNotReserved),
		errors.Is(err, lifecycle.ErrCompetitionExpired),
		errors.Is(err, lifecycle.ErrInvalidStateTransition):

		return errBadRequest(err.Error())

	case oracle.IsTransient(err):
		return errTransient()
	}

	restLog.Errorf("Internal error: %v", err)
	return errInternal()
}

// competitionView is the public projection of a competition.
type competitionView struct {
	ID                  string     `json:"id"`
	State               string     `json:"state"`
	CreatedAt           time.Time  `json:"created_at"`
	StartObservation    time.Time  `json:"start_observation"`
	EndObservation      time.Time  `json:"end_observation"`
	Locations           []string   `json:"locations"`
	ValuesPerEntry      int        `json:"values_per_entry"`
	TotalAllowedEntries int        `json:"total_allowed_entries"`
	EntryFeeSats        int64      `json:"entry_fee_sats"`
	TotalPoolSats       int64      `json:"total_pool_sats"`
	NumberOfPlacesWin   int        `json:"number_of_places_win"`
	TotalEntries        int        `json:"total_entries"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

func competitionToView(comp *compdb.Competition) *competitionView {
	return &competitionView{
		ID:                  comp.ID.String(),
		State:               lifecycle.StatusFromCompetition(comp).StateName(),
		CreatedAt:           comp.CreatedAt,
		StartObservation:    comp.Params.StartObservation,
		EndObservation:      comp.Params.EndObservation,
		Locations:           comp.Params.Locations,
		ValuesPerEntry:      comp.Params.ValuesPerEntry,
		TotalAllowedEntries: comp.Params.TotalAllowedEntries,
		EntryFeeSats:        int64(comp.Params.EntryFee),
		TotalPoolSats:       int64(comp.Params.TotalCompetitionPool),
		NumberOfPlacesWin:   comp.Params.NumberOfPlacesWin,
		TotalEntries:        comp.TotalEntries,
		CompletedAt:         comp.CompletedAt,
	}
}

func (r *restServer) healthCheck(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()

	status := map[string]string{"store": "ok"}
	if err := r.server.ln.Ping(ctx); err != nil {
		status["lightning"] = err.Error()
	} else {
		status["lightning"] = "ok"
	}
	if err := r.server.bitcoin.Sync(ctx); err != nil {
		status["bitcoin"] = err.Error()
	} else {
		status["bitcoin"] = "ok"
	}

	sendJSON(w, http.StatusOK, status)
}

func (r *restServer) listCompetitions(w http.ResponseWriter,
	_ *http.Request) {

	comps, err := r.server.db.GetCompetitions()
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	views := make([]*competitionView, 0, len(comps))
	for _, comp := range comps {
		views = append(views, competitionToView(comp))
	}

	sendJSON(w, http.StatusOK, views)
}

func (r *restServer) reserveTicket(w http.ResponseWriter,
	req *http.Request) {

	compID, err := ids.Parse(mux.Vars(req)["id"])
	if err != nil {
		sendError(w, errBadRequest("invalid competition id"))
		return
	}

	reservation, err := r.server.engine.ReserveTicket(
		req.Context(), compID, callerPubkey(req),
	)
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusCreated, map[string]string{
		"ticket_id":       reservation.Ticket.ID.String(),
		"payment_request": reservation.PaymentRequest,
	})
}

func (r *restServer) ticketStatus(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	compID, err := ids.Parse(vars["id"])
	if err != nil {
		sendError(w, errBadRequest("invalid competition id"))
		return
	}
	ticketID, err := ids.Parse(vars["ticket_id"])
	if err != nil {
		sendError(w, errBadRequest("invalid ticket id"))
		return
	}

	ticket, err := r.server.db.GetTicket(ticketID)
	if err != nil || ticket.CompetitionID != compID {
		sendError(w, errNotFound("ticket not found"))
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"ticket_id": ticket.ID.String(),
		"status":    string(ticket.Status),
		"paid":      ticket.Status == compdb.TicketPaid ||
			ticket.Status == compdb.TicketSettled,
		"settled": ticket.Status == compdb.TicketSettled,
	})
}

// entryRequest is the payload for entry submission.
type entryRequest struct {
	TicketID string                  `json:"ticket_id"`
	Choices  []oracle.WeatherChoices `json:"expected_observations"`
}

func (r *restServer) submitEntry(w http.ResponseWriter, req *http.Request) {
	compID, err := ids.Parse(mux.Vars(req)["id"])
	if err != nil {
		sendError(w, errBadRequest("invalid competition id"))
		return
	}

	var payload entryRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		sendError(w, errBadRequest("invalid request body"))
		return
	}

	ticketID, err := ids.Parse(payload.TicketID)
	if err != nil {
		sendError(w, errBadRequest("invalid ticket id"))
		return
	}

	entry, err := r.server.engine.SubmitEntry(
		req.Context(), compID, ticketID, callerPubkey(req),
		payload.Choices,
	)
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusCreated, map[string]string{
		"entry_id": entry.ID.String(),
	})
}

func (r *restServer) leaderboard(w http.ResponseWriter, req *http.Request) {
	compID, err := ids.Parse(mux.Vars(req)["id"])
	if err != nil {
		sendError(w, errBadRequest("invalid competition id"))
		return
	}

	ranked, err := r.server.engine.Leaderboard(req.Context(), compID)
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	type rankedEntry struct {
		EntryID    string `json:"entry_id"`
		Rank       int    `json:"rank"`
		RawScore   int    `json:"raw_score"`
		FinalScore int64  `json:"final_score"`
	}

	out := make([]rankedEntry, 0, len(ranked))
	for i, scored := range ranked {
		out = append(out, rankedEntry{
			EntryID:    scored.EntryID.String(),
			Rank:       i + 1,
			RawScore:   scored.RawScore,
			FinalScore: scored.FinalScore,
		})
	}

	sendJSON(w, http.StatusOK, out)
}

// payoutRequest is the payload for winner payout submission.
type payoutRequest struct {
	EntryID        string `json:"entry_id"`
	PaymentRequest string `json:"payout_payment_request"`
}

func (r *restServer) submitPayout(w http.ResponseWriter, req *http.Request) {
	var payload payoutRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		sendError(w, errBadRequest("invalid request body"))
		return
	}

	entryID, err := ids.Parse(payload.EntryID)
	if err != nil {
		sendError(w, errBadRequest("invalid entry id"))
		return
	}

	// Only the entry's owner may direct its winnings.
	entry, err := r.server.db.GetEntry(entryID)
	if err != nil {
		sendError(w, mapError(err))
		return
	}
	if entry.UserPubkey != callerPubkey(req) {
		sendError(w, errUnauthorized())
		return
	}

	payout, err := r.server.engine.SubmitPayout(
		req.Context(), entryID, payload.PaymentRequest,
	)
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusCreated, map[string]string{
		"payout_id": payout.ID.String(),
		"status":    string(payout.Status),
	})
}

// userKeyPayload is the shared registration payload.
type userKeyPayload struct {
	EncryptedBitcoinPrivateKey string `json:"encrypted_bitcoin_private_key"`
	Network                    string `json:"network"`
}

func (r *restServer) register(w http.ResponseWriter, req *http.Request) {
	var payload userKeyPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		sendError(w, errBadRequest("invalid request body"))
		return
	}

	user, err := r.server.registry.Register(
		callerPubkey(req), payload.EncryptedBitcoinPrivateKey,
		payload.Network,
	)
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusCreated, map[string]string{
		"nostr_pubkey": user.NostrPubkey,
	})
}

func (r *restServer) login(w http.ResponseWriter, req *http.Request) {
	user, err := r.server.registry.Login(callerPubkey(req))
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusCreated, map[string]string{
		"nostr_pubkey":                  user.NostrPubkey,
		"encrypted_bitcoin_private_key": user.EncryptedBitcoinPrivateKey,
		"network":                       user.Network,
	})
}

// usernameRegisterPayload is the username-flow registration payload.
type usernameRegisterPayload struct {
	Username                   string `json:"username"`
	Password                   string `json:"password"`
	EncryptedNsec              string `json:"encrypted_nsec"`
	NostrPubkey                string `json:"nostr_pubkey"`
	EncryptedBitcoinPrivateKey string `json:"encrypted_bitcoin_private_key"`
	Network                    string `json:"network"`
}

func (r *restServer) registerUsername(w http.ResponseWriter,
	req *http.Request) {

	var payload usernameRegisterPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		sendError(w, errBadRequest("invalid request body"))
		return
	}

	user, err := r.server.registry.RegisterUsername(
		&auth.UsernameRegistration{
			Username:                   payload.Username,
			Password:                   payload.Password,
			EncryptedNsec:              payload.EncryptedNsec,
			NostrPubkey:                payload.NostrPubkey,
			EncryptedBitcoinPrivateKey: payload.EncryptedBitcoinPrivateKey,
			Network:                    payload.Network,
		},
	)
	if err != nil {
		sendError(w, errBadRequest(err.Error()))
		return
	}

	sendJSON(w, http.StatusCreated, map[string]string{
		"nostr_pubkey": user.NostrPubkey,
		"username":     user.Username,
	})
}

type usernameLoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *restServer) loginUsername(w http.ResponseWriter,
	req *http.Request) {

	var payload usernameLoginPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		sendError(w, errBadRequest("invalid request body"))
		return
	}

	user, err := r.server.registry.LoginUsername(
		payload.Username, payload.Password,
	)
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusOK, map[string]string{
		"nostr_pubkey":                  user.NostrPubkey,
		"username":                      user.Username,
		"encrypted_nsec":                user.EncryptedNsec,
		"encrypted_bitcoin_private_key": user.EncryptedBitcoinPrivateKey,
		"network":                       user.Network,
	})
}

type changePasswordPayload struct {
	CurrentPassword  string `json:"current_password"`
	NewPassword      string `json:"new_password"`
	NewEncryptedNsec string `json:"new_encrypted_nsec"`
}

func (r *restServer) changePassword(w http.ResponseWriter,
	req *http.Request) {

	var payload changePasswordPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		sendError(w, errBadRequest("invalid request body"))
		return
	}

	err := r.server.registry.ChangePassword(
		callerPubkey(req), payload.CurrentPassword,
		payload.NewPassword, payload.NewEncryptedNsec,
	)
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type forgotPasswordChallengePayload struct {
	Username string `json:"username"`
}

func (r *restServer) forgotPasswordChallenge(w http.ResponseWriter,
	req *http.Request) {

	var payload forgotPasswordChallengePayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		sendError(w, errBadRequest("invalid request body"))
		return
	}

	challenge, err := r.server.registry.ForgotPasswordChallenge(
		payload.Username,
	)
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusOK, map[string]string{
		"challenge": challenge,
	})
}

type forgotPasswordResetPayload struct {
	Challenge         string `json:"challenge"`
	SignedAttestation string `json:"signed_attestation"`
	NewPassword       string `json:"new_password"`
	NewEncryptedNsec  string `json:"new_encrypted_nsec"`
}

func (r *restServer) forgotPasswordReset(w http.ResponseWriter,
	req *http.Request) {

	var payload forgotPasswordResetPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		sendError(w, errBadRequest("invalid request body"))
		return
	}

	err := r.server.registry.ResetPassword(
		payload.Challenge, payload.SignedAttestation,
		payload.NewPassword, payload.NewEncryptedNsec,
	)
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createCompetitionPayload is the admin competition-creation payload.
type createCompetitionPayload struct {
	SigningDeadline       time.Time `json:"signing_deadline"`
	StartObservation      time.Time `json:"start_observation"`
	EndObservation        time.Time `json:"end_observation"`
	Locations             []string  `json:"locations"`
	ValuesPerEntry        int       `json:"values_per_entry"`
	TotalAllowedEntries   int       `json:"total_allowed_entries"`
	EntryFeeSats          int64     `json:"entry_fee_sats"`
	CoordinatorFeePercent uint32    `json:"coordinator_fee_percent"`
	TotalPoolSats         int64     `json:"total_pool_sats"`
	NumberOfPlacesWin     int       `json:"number_of_places_win"`
}

func (r *restServer) createCompetition(w http.ResponseWriter,
	req *http.Request) {

	var payload createCompetitionPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		sendError(w, errBadRequest("invalid request body"))
		return
	}

	if err := validateCompetitionPayload(&payload); err != nil {
		sendError(w, errBadRequest(err.Error()))
		return
	}

	comp, err := r.server.db.CreateCompetition(&compdb.CompetitionParams{
		SigningDeadline:       payload.SigningDeadline,
		StartObservation:      payload.StartObservation,
		EndObservation:        payload.EndObservation,
		Locations:             payload.Locations,
		ValuesPerEntry:        payload.ValuesPerEntry,
		TotalAllowedEntries:   payload.TotalAllowedEntries,
		EntryFee:              btcAmount(payload.EntryFeeSats),
		CoordinatorFeePercent: payload.CoordinatorFeePercent,
		TotalCompetitionPool:  btcAmount(payload.TotalPoolSats),
		NumberOfPlacesWin:     payload.NumberOfPlacesWin,
	})
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusCreated, competitionToView(comp))
}

func validateCompetitionPayload(p *createCompetitionPayload) error {
	switch {
	case len(p.Locations) == 0:
		return fmt.Errorf("locations are required")
	case p.ValuesPerEntry < 1:
		return fmt.Errorf("values_per_entry must be positive")
	case p.TotalAllowedEntries < 1:
		return fmt.Errorf("total_allowed_entries must be positive")
	case p.EntryFeeSats < 1:
		return fmt.Errorf("entry_fee_sats must be positive")
	case p.CoordinatorFeePercent > 100:
		return fmt.Errorf("coordinator_fee_percent must be <= 100")
	case p.NumberOfPlacesWin < 1:
		return fmt.Errorf("number_of_places_win must be positive")
	case !p.StartObservation.Before(p.EndObservation):
		return fmt.Errorf("observation window is empty")
	}
	return nil
}

func (r *restServer) walletBalance(w http.ResponseWriter,
	req *http.Request) {

	balance, err := r.server.bitcoin.Balance(req.Context())
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusOK, map[string]int64{
		"balance_sats": int64(balance),
	})
}

func (r *restServer) walletAddress(w http.ResponseWriter,
	req *http.Request) {

	addr, err := r.server.bitcoin.NextAddress(req.Context())
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusOK, map[string]string{
		"address": addr.String(),
	})
}

func (r *restServer) walletFees(w http.ResponseWriter, req *http.Request) {
	rates, err := r.server.bitcoin.EstimateFeeRates(req.Context())
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusOK, rates)
}

func (r *restServer) walletOutputs(w http.ResponseWriter,
	req *http.Request) {

	utxos, err := r.server.bitcoin.ListUTXOs(req.Context())
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	type utxoView struct {
		OutPoint      string `json:"outpoint"`
		AmountSats    int64  `json:"amount_sats"`
		Confirmations int64  `json:"confirmations"`
	}

	out := make([]utxoView, 0, len(utxos))
	for _, utxo := range utxos {
		out = append(out, utxoView{
			OutPoint:      utxo.OutPoint.String(),
			AmountSats:    int64(utxo.Amount),
			Confirmations: utxo.Confirmations,
		})
	}

	sendJSON(w, http.StatusOK, out)
}

type walletSendPayload struct {
	Address    string `json:"address"`
	AmountSats int64  `json:"amount_sats"`
}

func (r *restServer) walletSend(w http.ResponseWriter, req *http.Request) {
	var payload walletSendPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		sendError(w, errBadRequest("invalid request body"))
		return
	}

	addr, err := parseAddress(payload.Address, r.server.params)
	if err != nil {
		sendError(w, errBadRequest("invalid address"))
		return
	}

	txid, err := r.server.bitcoin.SendToAddress(
		req.Context(), addr, btcAmount(payload.AmountSats),
	)
	if err != nil {
		sendError(w, mapError(err))
		return
	}

	sendJSON(w, http.StatusOK, map[string]string{
		"txid": txid.String(),
	})
}

// btcAmount converts a sat count from the wire into a btcutil.Amount.
func btcAmount(sats int64) btcutil.Amount {
	return btcutil.Amount(sats)
}

// parseAddress decodes a bitcoin address and checks it belongs to the
// configured network.
func parseAddress(addr string,
	params *chaincfg.Params) (btcutil.Address, error) {

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, err
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address is for the wrong network")
	}
	return decoded, nil
}
