package web

import (
	"errors"
	"net/http"

	"github.com/JonMunkholm/catalog/internal/core"
)

// productRequest is the POST/PUT body. Active defaults to true when omitted.
type productRequest struct {
	SKU         string  `json:"sku"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
}

func (p productRequest) toInput() core.ProductInput {
	in := core.ProductInput{SKU: p.SKU, Name: p.Name, Description: p.Description, Active: true}
	if p.Active != nil {
		in.Active = *p.Active
	}
	return in
}

type detailResponse struct {
	Detail string `json:"detail"`
}

// productError renders store and validation errors with the product wording.
func (s *Server) productError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		s.respondError(w, r, err, http.StatusNotFound, "Product not found")
	case errors.Is(err, core.ErrDuplicateSKU):
		s.respondError(w, r, err, http.StatusBadRequest, "SKU already exists")
	case errors.Is(err, core.ErrInvalidInput):
		s.respondError(w, r, err, statusFor(err), err.Error())
	default:
		s.respondError(w, r, err, statusFor(err), "")
	}
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	f, err := parseProductFilter(r)
	if err != nil {
		s.productError(w, r, err)
		return
	}
	products, err := s.deps.Products.List(r.Context(), f)
	if err != nil {
		s.productError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.productError(w, r, err)
		return
	}
	p, err := s.deps.Products.Get(r.Context(), id)
	if err != nil {
		s.productError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.productError(w, r, err)
		return
	}
	p, err := s.deps.Products.Create(r.Context(), req.toInput())
	if err != nil {
		s.productError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.productError(w, r, err)
		return
	}
	var req productRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.productError(w, r, err)
		return
	}
	p, err := s.deps.Products.Update(r.Context(), id, req.toInput())
	if err != nil {
		s.productError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.productError(w, r, err)
		return
	}
	if err := s.deps.Products.Delete(r.Context(), id); err != nil {
		s.productError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailResponse{Detail: "Product deleted"})
}

func (s *Server) handleDeleteAllProducts(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Products.DeleteAll(r.Context())
	if err != nil {
		s.productError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Detail  string `json:"detail"`
		Deleted int    `json:"deleted"`
	}{"All products deleted", n})
}
