package internal

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/lychee-technology/couchodm"
	"github.com/stretchr/testify/require"
)

type CmsUser struct {
	ID           string
	Rev          string
	Name         string
	Status       string
	Tags         []string
	Address      *Address
	Phonenumbers []*Phonenumber
	Groups       []*couchodm.Reference
	Manager      *couchodm.Reference
}

func (*CmsUser) DocumentType() string { return "CmsUser" }

type CmsGroup struct {
	ID    string
	Rev   string
	Name  string
	Owner *couchodm.Reference
}

func (*CmsGroup) DocumentType() string { return "CmsGroup" }

type Address struct {
	Street string
	City   string
}

func (*Address) DocumentType() string { return "Address" }

type Phonenumber struct {
	Number string
	Kind   string
}

func (*Phonenumber) DocumentType() string { return "Phonenumber" }

func userMetadata() *couchodm.ClassMetadata {
	return &couchodm.ClassMetadata{
		Name:          "CmsUser",
		IDField:       "ID",
		RevisionField: "Rev",
		Fields: []couchodm.FieldMapping{
			{Property: "Name", JSONKey: "name", Kind: couchodm.FieldScalar},
			{Property: "Status", JSONKey: "status"},
			{Property: "Tags", JSONKey: "tags", Kind: couchodm.FieldScalar},
			{Property: "Address", JSONKey: "address", Kind: couchodm.FieldEmbedOne, TargetType: "Address"},
			{Property: "Phonenumbers", JSONKey: "phonenumbers", Kind: couchodm.FieldEmbedMany, TargetType: "Phonenumber", EmbedKey: "Number"},
			{Property: "Groups", JSONKey: "groups", Kind: couchodm.FieldReferenceMany, TargetType: "CmsGroup", Cascade: true},
			{Property: "Manager", JSONKey: "manager", Kind: couchodm.FieldReferenceOne, TargetType: "CmsUser"},
		},
		New: func() couchodm.Document { return &CmsUser{} },
		Extract: func(d couchodm.Document) map[string]any {
			u := d.(*CmsUser)
			return map[string]any{
				"ID":           u.ID,
				"Rev":          u.Rev,
				"Name":         u.Name,
				"Status":       emptyAsNil(u.Status),
				"Tags":         u.Tags,
				"Address":      couchodm.Embed(u.Address),
				"Phonenumbers": couchodm.Documents(u.Phonenumbers),
				"Groups":       u.Groups,
				"Manager":      u.Manager,
			}
		},
		Hydrate: func(d couchodm.Document, values map[string]any) error {
			u := d.(*CmsUser)
			var err error
			for property, value := range values {
				switch property {
				case "ID":
					u.ID, err = couchodm.As[string](value)
				case "Rev":
					u.Rev, err = couchodm.As[string](value)
				case "Name":
					u.Name, err = couchodm.As[string](value)
				case "Status":
					u.Status, err = couchodm.As[string](value)
				case "Tags":
					u.Tags, err = couchodm.As[[]string](value)
				case "Address":
					u.Address, err = couchodm.DocumentAs[*Address](value)
				case "Phonenumbers":
					u.Phonenumbers, err = couchodm.DocumentsAs[*Phonenumber](value)
				case "Groups":
					u.Groups, err = couchodm.ReferencesAs(value)
				case "Manager":
					u.Manager, err = couchodm.ReferenceAs(value)
				}
				if err != nil {
					return fmt.Errorf("hydrate %s: %w", property, err)
				}
			}
			return nil
		},
	}
}

func groupMetadata() *couchodm.ClassMetadata {
	return &couchodm.ClassMetadata{
		Name:          "CmsGroup",
		IDField:       "ID",
		RevisionField: "Rev",
		Fields: []couchodm.FieldMapping{
			{Property: "Name", JSONKey: "name", Kind: couchodm.FieldScalar},
			{Property: "Owner", JSONKey: "owner", Kind: couchodm.FieldReferenceOne, TargetType: "CmsUser"},
		},
		New: func() couchodm.Document { return &CmsGroup{} },
		Extract: func(d couchodm.Document) map[string]any {
			g := d.(*CmsGroup)
			return map[string]any{"ID": g.ID, "Rev": g.Rev, "Name": g.Name, "Owner": g.Owner}
		},
		Hydrate: func(d couchodm.Document, values map[string]any) error {
			g := d.(*CmsGroup)
			var err error
			for property, value := range values {
				switch property {
				case "ID":
					g.ID, err = couchodm.As[string](value)
				case "Rev":
					g.Rev, err = couchodm.As[string](value)
				case "Name":
					g.Name, err = couchodm.As[string](value)
				case "Owner":
					g.Owner, err = couchodm.ReferenceAs(value)
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func addressMetadata() *couchodm.ClassMetadata {
	return &couchodm.ClassMetadata{
		Name:     "Address",
		Embedded: true,
		Fields: []couchodm.FieldMapping{
			{Property: "Street", JSONKey: "street"},
			{Property: "City", JSONKey: "city"},
		},
		New: func() couchodm.Document { return &Address{} },
		Extract: func(d couchodm.Document) map[string]any {
			a := d.(*Address)
			return map[string]any{"Street": a.Street, "City": a.City}
		},
		Hydrate: func(d couchodm.Document, values map[string]any) error {
			a := d.(*Address)
			a.Street, _ = values["Street"].(string)
			a.City, _ = values["City"].(string)
			return nil
		},
	}
}

func phonenumberMetadata() *couchodm.ClassMetadata {
	return &couchodm.ClassMetadata{
		Name:     "Phonenumber",
		Embedded: true,
		Fields: []couchodm.FieldMapping{
			{Property: "Number", JSONKey: "number"},
			{Property: "Kind", JSONKey: "kind"},
		},
		New: func() couchodm.Document { return &Phonenumber{} },
		Extract: func(d couchodm.Document) map[string]any {
			p := d.(*Phonenumber)
			return map[string]any{"Number": p.Number, "Kind": p.Kind}
		},
		Hydrate: func(d couchodm.Document, values map[string]any) error {
			p := d.(*Phonenumber)
			p.Number, _ = values["Number"].(string)
			p.Kind, _ = values["Kind"].(string)
			return nil
		},
	}
}

func emptyAsNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// newTestRegistry returns the CMS classes. Extra descriptors may replace the
// defaults by name.
func newTestRegistry(t *testing.T, overrides ...*couchodm.ClassMetadata) *StaticRegistry {
	t.Helper()
	classes := map[string]*couchodm.ClassMetadata{}
	for _, cm := range []*couchodm.ClassMetadata{userMetadata(), groupMetadata(), addressMetadata(), phonenumberMetadata()} {
		classes[cm.Name] = cm
	}
	for _, cm := range overrides {
		classes[cm.Name] = cm
	}
	list := make([]*couchodm.ClassMetadata, 0, len(classes))
	for _, cm := range classes {
		list = append(list, cm)
	}
	registry, err := NewMetadataRegistry("type", list...)
	require.NoError(t, err)
	return registry
}

// fakePersister is an in-memory CouchDB stand-in. Documents are stored by id
// with an incrementing revision counter.
type fakePersister struct {
	mu        sync.Mutex
	docs      map[string]map[string]any
	revs      map[string]int
	submitted [][]couchodm.Operation
	fetches   []string
	nextID    int

	// hooks for fault injection
	submitErr error
	allocErr  error
	reject    map[string]string
	mangle    func([]couchodm.OperationResult) []couchodm.OperationResult
	onSubmit  func(ctx context.Context) error
}

func newFakePersister() *fakePersister {
	return &fakePersister{
		docs:   make(map[string]map[string]any),
		revs:   make(map[string]int),
		reject: make(map[string]string),
	}
}

func (p *fakePersister) BulkSubmit(ctx context.Context, ops []couchodm.Operation) ([]couchodm.OperationResult, error) {
	if p.onSubmit != nil {
		if err := p.onSubmit(ctx); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, ops)
	if p.submitErr != nil {
		return nil, p.submitErr
	}

	results := make([]couchodm.OperationResult, 0, len(ops))
	for _, op := range ops {
		if reason, ok := p.reject[op.ID]; ok {
			results = append(results, couchodm.OperationResult{ID: op.ID, Outcome: couchodm.OutcomeError, Reason: reason})
			continue
		}
		current, exists := p.docs[op.ID]
		currentRev, _ := current["_rev"].(string)
		if (exists && currentRev != op.Revision) || (!exists && op.Revision != "") {
			results = append(results, couchodm.OperationResult{
				ID: op.ID, Outcome: couchodm.OutcomeConflict, ServerBody: copyMapDeep(current),
			})
			continue
		}
		p.revs[op.ID]++
		rev := fmt.Sprintf("%d-fake", p.revs[op.ID])
		if op.Kind == couchodm.OperationDelete {
			delete(p.docs, op.ID)
		} else {
			body := copyMapDeep(op.Body)
			body["_rev"] = rev
			p.docs[op.ID] = body
		}
		results = append(results, couchodm.OperationResult{ID: op.ID, Outcome: couchodm.OutcomeOK, Revision: rev})
	}
	if p.mangle != nil {
		results = p.mangle(results)
	}
	return results, nil
}

func (p *fakePersister) AllocateIdentifiers(_ context.Context, count int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocErr != nil {
		return nil, p.allocErr
	}
	ids := make([]string, count)
	for i := range ids {
		p.nextID++
		ids[i] = fmt.Sprintf("id-%03d", p.nextID)
	}
	return ids, nil
}

func (p *fakePersister) Fetch(_ context.Context, id string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches = append(p.fetches, id)
	doc, ok := p.docs[id]
	if !ok {
		return nil, couchodm.NewDocumentNotFoundError("", id)
	}
	return copyMapDeep(doc), nil
}

// put stores a raw document directly, bypassing the unit of work.
func (p *fakePersister) put(id string, body map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revs[id]++
	doc := copyMapDeep(body)
	doc["_id"] = id
	doc["_rev"] = fmt.Sprintf("%d-fake", p.revs[id])
	p.docs[id] = doc
}

func (p *fakePersister) doc(id string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyMapDeep(p.docs[id])
}

func (p *fakePersister) submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

func (p *fakePersister) lastSubmission() []couchodm.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.submitted) == 0 {
		return nil
	}
	return p.submitted[len(p.submitted)-1]
}
