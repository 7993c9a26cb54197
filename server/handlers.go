package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thakursanju/smartToll/app"
	"github.com/thakursanju/smartToll/attestation"
	"github.com/thakursanju/smartToll/feed"
	"github.com/thakursanju/smartToll/session"
	"github.com/thakursanju/smartToll/tollbooth"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
	"github.com/starfederation/datastar-go/datastar"
)

type walletRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type attestRequest struct {
	Secret     string `json:"secret"`
	BirthYear  int    `json:"birth_year"`
	BirthMonth int    `json:"birth_month"`
	BirthDay   int    `json:"birth_day"`
}

type paymentRequest struct {
	TagID       string `json:"tag_id"`
	TollBoothID string `json:"toll_booth_id"`
}

type boothView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	FeeWei  string `json:"fee_wei"`
	FeeEth  string `json:"fee_eth"`
	Default bool   `json:"default"`
}

// PaymentProof is what a driver shows to prove a toll was paid.
type PaymentProof struct {
	Payment        tollbooth.PaymentRecord `json:"payment"`
	ChainReceipt   *app.Receipt            `json:"chain_receipt,omitempty"`
	ChainConfirmed bool                    `json:"chain_confirmed"`
}

// decode reads an optional JSON body into v. An empty body leaves v alone.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (ws *WebServer) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	s, ok := ws.registry.Get(id)
	if !ok {
		JSONError(w, "session not found: "+id, http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (ws *WebServer) handleBooths(w http.ResponseWriter, r *http.Request) {
	booths := ws.booths.All()
	out := make([]boothView, 0, len(booths))
	for _, b := range booths {
		out = append(out, boothView{
			ID:      b.ID,
			Name:    b.Name,
			FeeWei:  b.FeeBaseUnits.String(),
			FeeEth:  b.FeeDisplay(),
			Default: b.ID == ws.booths.DefaultID(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (ws *WebServer) handleBoothStats(w http.ResponseWriter, r *http.Request) {
	stats, repoErr := ws.history.BoothStats(r.Context())
	if repoErr != nil {
		writeError(w, repoErr)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (ws *WebServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := decode(r, &req); err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s, err := ws.registry.Create(req.WalletAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Status())
}

func (ws *WebServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func (ws *WebServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !ws.registry.Teardown(chi.URLParam(r, "sessionID")) {
		JSONError(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ws *WebServer) handleConnectWallet(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.session(w, r)
	if !ok {
		return
	}
	var req walletRequest
	if err := decode(r, &req); err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ConnectWallet(req.WalletAddress); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func (ws *WebServer) handleDisconnectWallet(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.session(w, r)
	if !ok {
		return
	}
	s.DisconnectWallet()
	writeJSON(w, http.StatusOK, s.Status())
}

func (ws *WebServer) handleAttest(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.session(w, r)
	if !ok {
		return
	}
	var req attestRequest
	if err := decode(r, &req); err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	att, err := s.Attest(r.Context(), attestation.Credential{
		Secret:     []byte(req.Secret),
		BirthYear:  req.BirthYear,
		BirthMonth: req.BirthMonth,
		BirthDay:   req.BirthDay,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func (ws *WebServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.session(w, r)
	if !ok {
		return
	}
	s.Logout()
	writeJSON(w, http.StatusOK, s.Status())
}

func (ws *WebServer) handleScan(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.session(w, r)
	if !ok {
		return
	}
	reading, err := s.Scan(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (ws *WebServer) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.session(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := decode(r, &req); err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.Pay(r.Context(), req.TagID, req.TollBoothID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (ws *WebServer) handleReset(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.session(w, r)
	if !ok {
		return
	}
	s.Reset()
	writeJSON(w, http.StatusOK, s.Status())
}

func (ws *WebServer) handleWalletPayments(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !session.ValidAddress(addr) {
		JSONError(w, "invalid wallet address", http.StatusBadRequest)
		return
	}

	limit := ws.opts.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			JSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, ws.opts.HistoryLimit)
	}

	records, repoErr := ws.history.ListByWallet(r.Context(), addr, limit)
	if repoErr != nil {
		writeError(w, repoErr)
		return
	}
	if records == nil {
		records = []tollbooth.PaymentRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (ws *WebServer) handleSessionFeed(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.session(w, r)
	if !ok {
		return
	}
	sub, err := s.Subscribe()
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.Unsubscribe(sub)
	ws.stream(w, r, sub)
}

func (ws *WebServer) handleWalletFeed(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !session.ValidAddress(addr) {
		JSONError(w, "invalid wallet address", http.StatusBadRequest)
		return
	}
	sub := ws.broker.Subscribe(addr)
	defer sub.Close()
	ws.stream(w, r, sub)
}

// Feed event types.
const (
	eventPayment   datastar.EventType = "payment"
	eventKeepAlive datastar.EventType = "keep-alive"
)

// stream writes payments from sub as server-sent events until the client
// goes away or the subscription is released.
func (ws *WebServer) stream(w http.ResponseWriter, r *http.Request, sub *feed.Subscription) {
	sse := datastar.NewSSE(w, r)

	keepAlive := time.NewTicker(ws.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case at := <-keepAlive.C:
			if err := sse.Send(eventKeepAlive, []string{strconv.FormatInt(at.UnixMilli(), 10)}); err != nil {
				return
			}
		case rec, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				ws.logger.Error("Failed to encode feed event", "tx_hash", rec.TxHash, "err", err)
				continue
			}
			if err := sse.Send(eventPayment, []string{string(data)}, datastar.WithSSEEventId(rec.TxHash)); err != nil {
				ws.logger.Debug("Feed client gone", "tx_hash", rec.TxHash, "err", err)
				return
			}
		}
	}
}

func (ws *WebServer) proof(w http.ResponseWriter, r *http.Request) (*PaymentProof, bool) {
	txHash := strings.ToLower(chi.URLParam(r, "txHash"))
	rec, repoErr := ws.history.GetByTxHash(r.Context(), txHash)
	if repoErr != nil {
		writeError(w, repoErr)
		return nil, false
	}

	proof := &PaymentProof{Payment: *rec}
	if ws.receipts != nil {
		receipt, err := ws.receipts.Receipt(r.Context(), txHash)
		if err != nil {
			ws.logger.Error("Chain receipt lookup failed", "tx_hash", txHash, "err", err)
		} else if receipt != nil {
			proof.ChainReceipt = receipt
			proof.ChainConfirmed = receipt.Height == rec.BlockNumber
		}
	}
	return proof, true
}

func (ws *WebServer) handlePaymentProof(w http.ResponseWriter, r *http.Request) {
	proof, ok := ws.proof(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// qrContent is the compact text encoded in the proof QR code.
func qrContent(rec tollbooth.PaymentRecord) string {
	return fmt.Sprintf("smarttoll:%s?booth=%s&block=%d&amount_wei=%s&status=%s",
		rec.TxHash, rec.TollBoothID, rec.BlockNumber, rec.AmountBaseUnits.String(), rec.Status)
}

func (ws *WebServer) handlePaymentQR(w http.ResponseWriter, r *http.Request) {
	proof, ok := ws.proof(w, r)
	if !ok {
		return
	}
	png, err := qrcode.Encode(qrContent(proof.Payment), qrcode.Medium, 256)
	if err != nil {
		JSONError(w, "failed to render QR code: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
