package ingest

import (
	"io"
	"net/http"
	"strings"

	"kpialert/internal/domain"
)

// RecordSink receives decoded business records from ingest interfaces.
// Params: validated invoice/contract payloads and removal ids.
// Returns: snapshot mutation side effects.
type RecordSink interface {
	UpsertInvoice(record domain.InvoiceRecord)
	UpsertContract(record domain.ContractRecord)
	RemoveInvoice(id string)
	RemoveContract(id string)
}

// HTTPHandler decodes JSON business records and forwards them to the sink.
// Params: sink, path prefix, and max body size.
// Returns: HTTP handler for the record ingest endpoints.
type HTTPHandler struct {
	sink        RecordSink
	pathPrefix  string
	maxBodySize int64
}

// NewHTTPHandler creates the record ingest HTTP handler.
// Params: sink, mount prefix, and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink RecordSink, pathPrefix string, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{
		sink:        sink,
		pathPrefix:  strings.TrimRight(pathPrefix, "/"),
		maxBodySize: maxBodySize,
	}
}

// ServeHTTP handles one record upsert or removal request.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	rest := strings.TrimPrefix(request.URL.Path, h.pathPrefix)
	rest = strings.Trim(rest, "/")
	parts := strings.SplitN(rest, "/", 2)
	kind := parts[0]
	id := ""
	if len(parts) == 2 {
		id = parts[1]
	}
	if kind != "invoices" && kind != "contracts" {
		writer.WriteHeader(http.StatusNotFound)
		return
	}

	switch request.Method {
	case http.MethodPost:
		h.handleUpsert(writer, request, kind)
	case http.MethodDelete:
		h.handleRemove(writer, kind, id)
	default:
		writer.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleUpsert decodes and stores one record payload.
// Params: response writer, request, and record kind.
// Returns: 202 on success, 400 on invalid payload.
func (h *HTTPHandler) handleUpsert(writer http.ResponseWriter, request *http.Request, kind string) {
	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	switch kind {
	case "invoices":
		record, err := domain.DecodeInvoice(body)
		if err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		h.sink.UpsertInvoice(record)
	case "contracts":
		record, err := domain.DecodeContract(body)
		if err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		h.sink.UpsertContract(record)
	}
	writer.WriteHeader(http.StatusAccepted)
}

// handleRemove drops one record by id.
// Params: response writer, record kind, and record id.
// Returns: 204 on success, 400 on missing id.
func (h *HTTPHandler) handleRemove(writer http.ResponseWriter, kind, id string) {
	if strings.TrimSpace(id) == "" {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	switch kind {
	case "invoices":
		h.sink.RemoveInvoice(id)
	case "contracts":
		h.sink.RemoveContract(id)
	}
	writer.WriteHeader(http.StatusNoContent)
}
