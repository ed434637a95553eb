package store

import (
	"context"
	"sort"
	"sync"

	"github.com/veristage/theatre/core/pkg/contracts"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu           sync.Mutex
	templates    map[string]*TemplateRecord
	theatres     map[string]*TheatreRecord
	invocations  map[string][]*contracts.InvocationRecord
	certificates map[string]*contracts.CalibrationCertificate
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:    make(map[string]*TemplateRecord),
		theatres:     make(map[string]*TheatreRecord),
		invocations:  make(map[string][]*contracts.InvocationRecord),
		certificates: make(map[string]*contracts.CalibrationCertificate),
	}
}

func (s *MemoryStore) PutTemplate(_ context.Context, rec *TemplateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.templates[rec.TemplateID] = &cp
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, templateID string) (*TemplateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.templates[templateID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListTemplates(_ context.Context, limit int, cursor string) ([]*TemplateRecord, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.templates))
	for k := range s.templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	page, next := paginate(keys, limit, cursor)
	out := make([]*TemplateRecord, 0, len(page))
	for _, k := range page {
		cp := *s.templates[k]
		out = append(out, &cp)
	}
	return out, next, nil
}

func (s *MemoryStore) PutTheatre(_ context.Context, rec *TheatreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.theatres[rec.TheatreID] = &cp
	return nil
}

func (s *MemoryStore) GetTheatre(_ context.Context, theatreID string) (*TheatreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.theatres[theatreID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) PutInvocation(_ context.Context, theatreID string, rec *contracts.InvocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.invocations[theatreID] = append(s.invocations[theatreID], &cp)
	return nil
}

func (s *MemoryStore) ListInvocations(_ context.Context, theatreID string) ([]*contracts.InvocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.invocations[theatreID]
	out := make([]*contracts.InvocationRecord, 0, len(recs))
	for _, r := range recs {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutCertificate(_ context.Context, cert *contracts.CalibrationCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cert
	s.certificates[cert.CertificateID] = &cp
	return nil
}

func (s *MemoryStore) GetCertificate(_ context.Context, certificateID string) (*contracts.CalibrationCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.certificates[certificateID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cert
	return &cp, nil
}

func (s *MemoryStore) ListCertificates(_ context.Context, limit int, cursor string) ([]*contracts.CalibrationCertificate, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.certificates))
	for k := range s.certificates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	page, next := paginate(keys, limit, cursor)
	out := make([]*contracts.CalibrationCertificate, 0, len(page))
	for _, k := range page {
		cp := *s.certificates[k]
		out = append(out, &cp)
	}
	return out, next, nil
}

// paginate implements keyset pagination over sorted keys.
func paginate(sorted []string, limit int, cursor string) (page []string, next string) {
	if limit <= 0 {
		limit = 50
	}
	start := 0
	if cursor != "" {
		start = sort.SearchStrings(sorted, cursor)
		if start < len(sorted) && sorted[start] == cursor {
			start++
		}
	}
	end := start + limit
	if end > len(sorted) {
		end = len(sorted)
	}
	page = sorted[start:end]
	if end < len(sorted) {
		next = sorted[end-1]
	}
	return page, next
}
