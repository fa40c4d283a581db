package server

import (
	"net/http"

	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
	"go.opentelemetry.io/otel/attribute"
)

func (m *Mux) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "UpsertUser")
	defer span.End()

	var in model.User
	if !m.decode(w, r, schema.User, &in) {
		return
	}
	in.WalletAddress = model.NormalizeAddress(in.WalletAddress)
	if !m.requireWallet(w, r, in.WalletAddress) {
		return
	}
	span.SetAttributes(attribute.String("wallet", in.WalletAddress))

	u, err := m.Store.UpsertUser(r.Context(), in)
	if err != nil {
		m.storeError(w, r, "upsert user", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, u)
}

func (m *Mux) handleGetUser(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "GetUser")
	defer span.End()

	wallet, ok := m.queryAddress(w, r, "walletAddress", true)
	if !ok {
		return
	}
	u, err := m.Store.GetUser(r.Context(), wallet)
	if err != nil {
		m.storeError(w, r, "get user", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, u)
}
