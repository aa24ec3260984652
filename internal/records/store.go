package records

import (
	"sync"

	"kpialert/internal/domain"
)

// Store keeps the business-record snapshot read by the KPI calculator.
// Params: invoice and contract maps guarded by RWMutex.
// Returns: in-process snapshot updated by ingest interfaces.
type Store struct {
	mu        sync.RWMutex
	invoices  map[string]domain.InvoiceRecord
	contracts map[string]domain.ContractRecord
}

// NewStore creates an empty record snapshot store.
// Params: none.
// Returns: initialized store.
func NewStore() *Store {
	return &Store{
		invoices:  make(map[string]domain.InvoiceRecord),
		contracts: make(map[string]domain.ContractRecord),
	}
}

// UpsertInvoice stores or replaces one invoice record.
// Params: validated invoice record.
// Returns: snapshot updated in place.
func (s *Store) UpsertInvoice(record domain.InvoiceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[record.ID] = record
}

// UpsertContract stores or replaces one contract record.
// Params: validated contract record.
// Returns: snapshot updated in place.
func (s *Store) UpsertContract(record domain.ContractRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[record.ID] = record
}

// RemoveInvoice deletes one invoice record by id.
// Params: invoice id.
// Returns: snapshot updated in place.
func (s *Store) RemoveInvoice(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.invoices, id)
}

// RemoveContract deletes one contract record by id.
// Params: contract id.
// Returns: snapshot updated in place.
func (s *Store) RemoveContract(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contracts, id)
}

// Invoices returns a detached copy of all invoice records.
// Params: none.
// Returns: invoice slice safe for concurrent use.
func (s *Store) Invoices() []domain.InvoiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.InvoiceRecord, 0, len(s.invoices))
	for _, record := range s.invoices {
		out = append(out, record)
	}
	return out
}

// Contracts returns a detached copy of all contract records.
// Params: none.
// Returns: contract slice safe for concurrent use.
func (s *Store) Contracts() []domain.ContractRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ContractRecord, 0, len(s.contracts))
	for _, record := range s.contracts {
		out = append(out, record)
	}
	return out
}

// InvoicesByContract returns invoices grouped by their owning contract id.
// Params: none.
// Returns: contract id to invoice slice map.
func (s *Store) InvoicesByContract() map[string][]domain.InvoiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]domain.InvoiceRecord)
	for _, record := range s.invoices {
		out[record.ContractID] = append(out[record.ContractID], record)
	}
	return out
}
