package server

import (
	"errors"
	"net/http"

	errordefs "github.com/DroneBid/dronebid-market-go/internal/errors"
	"github.com/DroneBid/dronebid-market-go/internal/media"
	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
	"go.opentelemetry.io/otel/attribute"
)

func (m *Mux) handleGetProviderProfile(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "GetProviderProfile")
	defer span.End()

	provider, ok := m.queryAddress(w, r, "providerAddress", true)
	if !ok {
		return
	}
	p, err := m.Store.GetProviderProfile(r.Context(), provider)
	if err != nil {
		m.storeError(w, r, "get provider profile", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, p)
}

func (m *Mux) handleCreateProviderProfile(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "CreateProviderProfile")
	defer span.End()

	var in model.ProviderProfile
	if !m.decode(w, r, schema.ProviderProfile, &in) {
		return
	}
	in.ProviderAddress = model.NormalizeAddress(in.ProviderAddress)
	if !m.requireWallet(w, r, in.ProviderAddress) {
		return
	}
	if in.GroundImagingTypes == nil {
		in.GroundImagingTypes = []string{}
	}

	p, err := m.Store.CreateProviderProfile(r.Context(), in)
	if err != nil {
		m.storeError(w, r, "create provider profile", err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, p)
}

// profilePatchRequest names the provider and carries the fields to change.
// Keys absent from the body keep their stored values.
type profilePatchRequest struct {
	ProviderAddress string `json:"providerAddress"`
	model.ProviderProfilePatch
}

func (m *Mux) handlePatchProviderProfile(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "PatchProviderProfile")
	defer span.End()

	var in profilePatchRequest
	if !m.decode(w, r, schema.ProviderProfile, &in) {
		return
	}
	provider := model.NormalizeAddress(in.ProviderAddress)
	if !m.requireWallet(w, r, provider) {
		return
	}

	p, err := m.Store.PatchProviderProfile(r.Context(), provider, in.ProviderProfilePatch)
	if err != nil {
		m.storeError(w, r, "update provider profile", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, p)
}

type imageUploadRequest struct {
	ProviderAddress string `json:"providerAddress"`
	ContentType     string `json:"contentType"`
	Size            int64  `json:"size"`
}

// handleImageUpload presigns a direct upload of a drone image. The client
// stores the returned publicUrl on its profile once the PUT succeeds.
func (m *Mux) handleImageUpload(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "ImageUpload")
	defer span.End()

	if m.Images == nil {
		m.fail(w, r, errordefs.MKT_UNAVAILABLE, "image storage not configured")
		return
	}
	var in imageUploadRequest
	if !m.decode(w, r, schema.ImageUpload, &in) {
		return
	}
	provider := model.NormalizeAddress(in.ProviderAddress)
	if !m.requireWallet(w, r, provider) {
		return
	}
	span.SetAttributes(attribute.String("content_type", in.ContentType), attribute.Int64("size", in.Size))

	up, err := m.Images.PresignImageUpload(r.Context(), provider, in.ContentType, in.Size)
	switch {
	case errors.Is(err, media.ErrTooLarge):
		m.fail(w, r, errordefs.MKT_MEDIA_SIZE, err.Error())
	case errors.Is(err, media.ErrTypeNotAllowed):
		m.fail(w, r, errordefs.MKT_MEDIA_TYPE, err.Error())
	case err != nil:
		m.Logger.Error("presign image upload failed", "provider", provider, "error", err)
		m.fail(w, r, errordefs.MKT_UNAVAILABLE, "image storage unavailable")
	default:
		m.writeSuccess(w, http.StatusOK, up)
	}
}
