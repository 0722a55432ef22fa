package main

import (
	"fmt"

	"github.com/lychee-technology/couchodm"
)

// User is the document imported from each CSV row.
type User struct {
	ID           string
	Rev          string
	Name         string
	Email        string
	Status       string
	Address      *Address
	Phonenumbers []*Phonenumber
	Groups       []*couchodm.Reference
}

func (*User) DocumentType() string { return "User" }

// Group is created on first mention and shared by every user naming it.
type Group struct {
	ID   string
	Rev  string
	Name string
}

func (*Group) DocumentType() string { return "Group" }

type Address struct {
	Street string
	City   string
}

func (*Address) DocumentType() string { return "Address" }

type Phonenumber struct {
	Number string
}

func (*Phonenumber) DocumentType() string { return "Phonenumber" }

const userSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"email": {"type": ["string", "null"]},
		"status": {"enum": ["active", "inactive"]}
	}
}`

func cmsClasses() []*couchodm.ClassMetadata {
	return []*couchodm.ClassMetadata{userClass(), groupClass(), addressClass(), phonenumberClass()}
}

func userClass() *couchodm.ClassMetadata {
	return &couchodm.ClassMetadata{
		Name:          "User",
		IDField:       "ID",
		RevisionField: "Rev",
		Schema:        userSchema,
		Fields: []couchodm.FieldMapping{
			{Property: "Name", JSONKey: "name", Kind: couchodm.FieldScalar},
			{Property: "Email", JSONKey: "email", Kind: couchodm.FieldScalar},
			{Property: "Status", JSONKey: "status", Kind: couchodm.FieldScalar},
			{Property: "Address", JSONKey: "address", Kind: couchodm.FieldEmbedOne, TargetType: "Address"},
			{Property: "Phonenumbers", JSONKey: "phonenumbers", Kind: couchodm.FieldEmbedMany, TargetType: "Phonenumber", EmbedKey: "Number"},
			{Property: "Groups", JSONKey: "groups", Kind: couchodm.FieldReferenceMany, TargetType: "Group", Cascade: true},
		},
		New: func() couchodm.Document { return &User{} },
		Extract: func(d couchodm.Document) map[string]any {
			u := d.(*User)
			var email any
			if u.Email != "" {
				email = u.Email
			}
			return map[string]any{
				"ID":           u.ID,
				"Rev":          u.Rev,
				"Name":         u.Name,
				"Email":        email,
				"Status":       u.Status,
				"Address":      couchodm.Embed(u.Address),
				"Phonenumbers": couchodm.Documents(u.Phonenumbers),
				"Groups":       u.Groups,
			}
		},
		Hydrate: func(d couchodm.Document, values map[string]any) error {
			u := d.(*User)
			var err error
			for property, value := range values {
				switch property {
				case "ID":
					u.ID, err = couchodm.As[string](value)
				case "Rev":
					u.Rev, err = couchodm.As[string](value)
				case "Name":
					u.Name, err = couchodm.As[string](value)
				case "Email":
					u.Email, err = couchodm.As[string](value)
				case "Status":
					u.Status, err = couchodm.As[string](value)
				case "Address":
					u.Address, err = couchodm.DocumentAs[*Address](value)
				case "Phonenumbers":
					u.Phonenumbers, err = couchodm.DocumentsAs[*Phonenumber](value)
				case "Groups":
					u.Groups, err = couchodm.ReferencesAs(value)
				}
				if err != nil {
					return fmt.Errorf("user %s: %w", property, err)
				}
			}
			return nil
		},
	}
}

func groupClass() *couchodm.ClassMetadata {
	return &couchodm.ClassMetadata{
		Name:          "Group",
		IDField:       "ID",
		RevisionField: "Rev",
		Fields: []couchodm.FieldMapping{
			{Property: "Name", JSONKey: "name", Kind: couchodm.FieldScalar},
		},
		New: func() couchodm.Document { return &Group{} },
		Extract: func(d couchodm.Document) map[string]any {
			g := d.(*Group)
			return map[string]any{"ID": g.ID, "Rev": g.Rev, "Name": g.Name}
		},
		Hydrate: func(d couchodm.Document, values map[string]any) error {
			g := d.(*Group)
			var err error
			for property, value := range values {
				switch property {
				case "ID":
					g.ID, err = couchodm.As[string](value)
				case "Rev":
					g.Rev, err = couchodm.As[string](value)
				case "Name":
					g.Name, err = couchodm.As[string](value)
				}
				if err != nil {
					return fmt.Errorf("group %s: %w", property, err)
				}
			}
			return nil
		},
	}
}

func addressClass() *couchodm.ClassMetadata {
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

func phonenumberClass() *couchodm.ClassMetadata {
	return &couchodm.ClassMetadata{
		Name:     "Phonenumber",
		Embedded: true,
		Fields: []couchodm.FieldMapping{
			{Property: "Number", JSONKey: "number"},
		},
		New: func() couchodm.Document { return &Phonenumber{} },
		Extract: func(d couchodm.Document) map[string]any {
			return map[string]any{"Number": d.(*Phonenumber).Number}
		},
		Hydrate: func(d couchodm.Document, values map[string]any) error {
			d.(*Phonenumber).Number, _ = values["Number"].(string)
			return nil
		},
	}
}
