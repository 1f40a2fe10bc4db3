package handler

import (
	"log"
	"net/http"

	"metaregistry/internal/service"
)

type DumpHandler struct {
	dumpService *service.DumpService
}

func NewDumpHandler(dumpService *service.DumpService) *DumpHandler {
	return &DumpHandler{dumpService: dumpService}
}

// Create handles POST /v1/dumps, exporting the registry on demand.
func (h *DumpHandler) Create(w http.ResponseWriter, r *http.Request) {
	key, err := h.dumpService.Dump(r.Context())
	if err != nil {
		log.Printf("Failed to create dump: %v", err)
		writeErrors(w, http.StatusInternalServerError, []string{"failed to create dump"})
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"key": key})
}
