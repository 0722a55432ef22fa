package e2e_harness

import (
	"context"
	"fmt"
	"net/url"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver
	"github.com/lychee-technology/couchodm"
)

// Author is a top-level document referenced by posts.
type Author struct {
	ID    string
	Rev   string
	Name  string
	Email string
}

func (*Author) DocumentType() string { return "Author" }

// Post references its author and is saved together with it.
type Post struct {
	ID     string
	Rev    string
	Title  string
	Tags   []string
	Author *couchodm.Reference
}

func (*Post) DocumentType() string { return "Post" }

func authorClass() *couchodm.ClassMetadata {
	return &couchodm.ClassMetadata{
		Name:          "Author",
		IDField:       "ID",
		RevisionField: "Rev",
		Fields: []couchodm.FieldMapping{
			{Property: "Name", JSONKey: "name", Kind: couchodm.FieldScalar},
			{Property: "Email", JSONKey: "email", Kind: couchodm.FieldScalar},
		},
		Schema: `{"type":"object","required":["name"],"properties":{"name":{"type":"string","minLength":1}}}`,
		New:    func() couchodm.Document { return &Author{} },
		Extract: func(d couchodm.Document) map[string]any {
			a := d.(*Author)
			return map[string]any{"ID": a.ID, "Rev": a.Rev, "Name": a.Name, "Email": a.Email}
		},
		Hydrate: func(d couchodm.Document, values map[string]any) error {
			a := d.(*Author)
			var err error
			for property, value := range values {
				switch property {
				case "ID":
					a.ID, err = couchodm.As[string](value)
				case "Rev":
					a.Rev, err = couchodm.As[string](value)
				case "Name":
					a.Name, err = couchodm.As[string](value)
				case "Email":
					a.Email, err = couchodm.As[string](value)
				}
				if err != nil {
					return fmt.Errorf("hydrate %s: %w", property, err)
				}
			}
			return nil
		},
	}
}

func postClass() *couchodm.ClassMetadata {
	return &couchodm.ClassMetadata{
		Name:          "Post",
		IDField:       "ID",
		RevisionField: "Rev",
		Fields: []couchodm.FieldMapping{
			{Property: "Title", JSONKey: "title", Kind: couchodm.FieldScalar},
			{Property: "Tags", JSONKey: "tags", Kind: couchodm.FieldScalar},
			{Property: "Author", JSONKey: "author", Kind: couchodm.FieldReferenceOne, TargetType: "Author", Cascade: true},
		},
		New: func() couchodm.Document { return &Post{} },
		Extract: func(d couchodm.Document) map[string]any {
			p := d.(*Post)
			return map[string]any{"ID": p.ID, "Rev": p.Rev, "Title": p.Title, "Tags": p.Tags, "Author": p.Author}
		},
		Hydrate: func(d couchodm.Document, values map[string]any) error {
			p := d.(*Post)
			var err error
			for property, value := range values {
				switch property {
				case "ID":
					p.ID, err = couchodm.As[string](value)
				case "Rev":
					p.Rev, err = couchodm.As[string](value)
				case "Title":
					p.Title, err = couchodm.As[string](value)
				case "Tags":
					p.Tags, err = couchodm.As[[]string](value)
				case "Author":
					p.Author, err = couchodm.ReferenceAs(value)
				}
				if err != nil {
					return fmt.Errorf("hydrate %s: %w", property, err)
				}
			}
			return nil
		},
	}
}

// Classes returns the descriptors used by the E2E tests.
func Classes() []*couchodm.ClassMetadata {
	return []*couchodm.ClassMetadata{authorClass(), postClass()}
}

// Config returns a configuration pointing at the harness container.
func (h *TestHarness) Config(database string) *couchodm.Config {
	cfg := couchodm.DefaultConfig()
	cfg.CouchDB.URL = h.CouchURL
	cfg.CouchDB.Database = database
	cfg.CouchDB.Username = couchUser
	cfg.CouchDB.Password = couchPassword
	cfg.CouchDB.CreateIfMissing = true
	cfg.CouchDB.RequestTimeout = 10 * time.Second
	cfg.UnitOfWork.ValidateSchemas = true
	cfg.Identifiers.Source = couchodm.IdentifierSourceServer
	cfg.Identifiers.BatchSize = 5
	return cfg
}

// SeedRaw writes bodies straight into database, bypassing the document
// manager. Each body must carry an "_id". The database must already exist.
func (h *TestHarness) SeedRaw(ctx context.Context, database string, bodies ...map[string]any) error {
	u, err := url.Parse(h.CouchURL)
	if err != nil {
		return err
	}
	u.User = url.UserPassword(couchUser, couchPassword)
	client, err := kivik.New("couch", u.String())
	if err != nil {
		return err
	}
	defer client.Close()

	db := client.DB(database)
	for _, body := range bodies {
		id, _ := body["_id"].(string)
		if id == "" {
			return fmt.Errorf("seed body without _id")
		}
		if _, err := db.Put(ctx, id, body); err != nil {
			return fmt.Errorf("seed %s: %w", id, err)
		}
	}
	return nil
}
