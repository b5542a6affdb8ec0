package models

import "fmt"

// EntityType describes one category of procurement object and how it is
// fetched and stored. Keys double as storage table names.
type EntityType struct {
	// Key identifies the entity type and names its storage table.
	Key string `json:"key"`
	// Endpoint is the OWS API path the fetcher paginates over.
	Endpoint string `json:"endpoint"`
	// NaturalKey is the payload field used for conflict detection.
	// Empty means the type has no business identifier and the store is
	// insert-only for it (reference tables).
	NaturalKey string `json:"natural_key,omitempty"`
	// Reference marks append-mostly lookup tables.
	Reference bool `json:"reference,omitempty"`
}

// HasNaturalKey reports whether upserts for this type can detect conflicts.
func (e EntityType) HasNaturalKey() bool {
	return e.NaturalKey != ""
}

// Core entity types. Natural keys follow what the source indexes:
// subjects carry a BIN business number, announcements and contracts a
// document number, everything else only the source-assigned numeric id.
var coreTypes = []EntityType{
	{Key: "subjects", Endpoint: "/v3/subject/all", NaturalKey: "bin"},
	{Key: "rnu", Endpoint: "/v3/rnu", NaturalKey: "id"},
	{Key: "plans", Endpoint: "/v3/plans/all", NaturalKey: "id"},
	{Key: "announcements", Endpoint: "/v3/trd-buy/all", NaturalKey: "number_anno"},
	{Key: "applications", Endpoint: "/v3/trd-app", NaturalKey: "id"},
	{Key: "lots", Endpoint: "/v3/lots", NaturalKey: "id"},
	{Key: "contracts", Endpoint: "/v3/contract/all", NaturalKey: "contract_number"},
	{Key: "acts", Endpoint: "/v3/acts", NaturalKey: "id"},
	{Key: "payments", Endpoint: "/v3/treasury-pay", NaturalKey: "id"},
}

// referenceKeys lists the lookup tables exposed under /v3/refs/.
var referenceKeys = []string{
	"ref_lots_status",
	"ref_trade_methods",
	"ref_units",
	"ref_months",
	"ref_pln_point_status",
	"ref_subject_type",
	"ref_finsource",
	"ref_abp",
	"ref_point_type",
	"ref_kato",
	"ref_countries",
	"ref_ekrb",
	"ref_fkrb_program",
	"ref_fkrb_subprogram",
	"ref_justification",
	"ref_amendment_agreem_type",
	"ref_amendm_agreem_justif",
	"ref_budget_type",
	"ref_type_trade",
	"ref_buy_status",
	"ref_po_st",
	"ref_comm_roles",
	"ref_contract_status",
	"ref_contract_agr_form",
	"ref_contract_year_type",
	"ref_currency",
	"ref_contract_cancel",
	"ref_contract_type",
	"ref_reason",
	"ref_buy_lot_reject_reason",
}

// Registry holds the known entity types in ingestion order.
type Registry struct {
	ordered []EntityType
	byKey   map[string]EntityType
}

// NewRegistry builds the default registry: reference tables first, then the
// core types, matching the order the source publishes dependencies.
func NewRegistry() *Registry {
	r := &Registry{byKey: make(map[string]EntityType)}
	for _, key := range referenceKeys {
		r.add(EntityType{Key: key, Endpoint: "/v3/refs/" + key, Reference: true})
	}
	for _, et := range coreTypes {
		r.add(et)
	}
	return r
}

// NewRegistryOf builds a registry holding only the given types, in order.
func NewRegistryOf(types ...EntityType) *Registry {
	r := &Registry{byKey: make(map[string]EntityType)}
	for _, et := range types {
		r.add(et)
	}
	return r
}

func (r *Registry) add(et EntityType) {
	r.ordered = append(r.ordered, et)
	r.byKey[et.Key] = et
}

// Get returns the entity type for key.
func (r *Registry) Get(key string) (EntityType, error) {
	et, ok := r.byKey[key]
	if !ok {
		return EntityType{}, fmt.Errorf("unknown entity type %q", key)
	}
	return et, nil
}

// All returns every entity type in ingestion order.
func (r *Registry) All() []EntityType {
	out := make([]EntityType, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Resolve maps keys to entity types, preserving registry order. An empty
// selection resolves to the full registry.
func (r *Registry) Resolve(keys []string) ([]EntityType, error) {
	if len(keys) == 0 {
		return r.All(), nil
	}
	selected := make(map[string]bool, len(keys))
	for _, key := range keys {
		if _, ok := r.byKey[key]; !ok {
			return nil, fmt.Errorf("unknown entity type %q", key)
		}
		selected[key] = true
	}
	out := make([]EntityType, 0, len(selected))
	for _, et := range r.ordered {
		if selected[et.Key] {
			out = append(out, et)
		}
	}
	return out, nil
}

// Keys returns all registry keys in ingestion order.
func (r *Registry) Keys() []string {
	out := make([]string, 0, len(r.ordered))
	for _, et := range r.ordered {
		out = append(out, et.Key)
	}
	return out
}
