package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Author is an entry in the in-process author registry.
type Author struct {
	Name        string    `json:"name"`
	Bio         string    `json:"bio,omitempty"`
	BirthYear   int       `json:"birth_year,omitempty"`
	Nationality string    `json:"nationality,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// AuthorRegistry implements the author management tools in process. The
// remote provider does not offer them, so the gateway dispatches these
// names locally instead of issuing a network call. Same Tool surface,
// different executor.
type AuthorRegistry struct {
	mu      sync.Mutex
	authors map[string]Author
}

// NewAuthorRegistry creates an empty author registry.
func NewAuthorRegistry() *AuthorRegistry {
	return &AuthorRegistry{authors: make(map[string]Author)}
}

// Tools returns the descriptors for the locally handled capability set.
func (a *AuthorRegistry) Tools() []Tool {
	nameField := func(desc string) Field {
		return Field{Name: "name", Type: TypeString, Description: desc, Required: true}
	}
	return []Tool{
		{
			Name:        "add_author",
			Description: "Add a new author to the system",
			Schema: Schema{Fields: []Field{
				nameField("Author's full name"),
				{Name: "bio", Type: TypeString, Description: "Author's biography (optional)"},
				{Name: "birth_year", Type: TypeInteger, Description: "Author's birth year (optional)"},
				{Name: "nationality", Type: TypeString, Description: "Author's nationality (optional)"},
			}},
		},
		{
			Name:        "get_authors",
			Description: "Get all authors in the system",
		},
		{
			Name:        "get_author_by_name",
			Description: "Get author details by name",
			Schema:      Schema{Fields: []Field{nameField("Author's name to search for")}},
		},
		{
			Name:        "update_author",
			Description: "Update an existing author's information",
			Schema: Schema{Fields: []Field{
				nameField("Current author's name"),
				{Name: "new_name", Type: TypeString, Description: "New author's name (optional)"},
				{Name: "bio", Type: TypeString, Description: "Updated biography (optional)"},
				{Name: "birth_year", Type: TypeInteger, Description: "Updated birth year (optional)"},
				{Name: "nationality", Type: TypeString, Description: "Updated nationality (optional)"},
			}},
		},
		{
			Name:        "delete_author",
			Description: "Delete an author from the system",
			Schema:      Schema{Fields: []Field{nameField("Author's name to delete")}},
		},
	}
}

// Handles reports whether name belongs to the local capability set.
func (a *AuthorRegistry) Handles(name string) bool {
	switch name {
	case "add_author", "get_authors", "get_author_by_name", "update_author", "delete_author":
		return true
	}
	return false
}

// Call executes a local tool and returns the normalized result.
func (a *AuthorRegistry) Call(name string, args map[string]any) Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch name {
	case "add_author":
		return a.add(args)
	case "get_authors":
		return a.list()
	case "get_author_by_name":
		return a.get(args)
	case "update_author":
		return a.update(args)
	case "delete_author":
		return a.delete(args)
	}
	return Result{Err: fmt.Sprintf("unknown local tool %q", name)}
}

func (a *AuthorRegistry) add(args map[string]any) Result {
	name, _ := args["name"].(string)
	if name == "" {
		return Result{Err: "author name is required"}
	}
	if _, exists := a.authors[name]; exists {
		return Result{Err: fmt.Sprintf("author %q already exists", name)}
	}
	author := Author{Name: name, CreatedAt: time.Now()}
	author.Bio, _ = args["bio"].(string)
	author.Nationality, _ = args["nationality"].(string)
	author.BirthYear = intArg(args, "birth_year")
	a.authors[name] = author
	return jsonResult(map[string]any{
		"message": fmt.Sprintf("Author %q has been added to the system", name),
		"author":  author,
	})
}

func (a *AuthorRegistry) list() Result {
	names := make([]string, 0, len(a.authors))
	for n := range a.authors {
		names = append(names, n)
	}
	sort.Strings(names)
	authors := make([]Author, 0, len(names))
	for _, n := range names {
		authors = append(authors, a.authors[n])
	}
	return jsonResult(map[string]any{"authors": authors, "count": len(authors)})
}

func (a *AuthorRegistry) get(args map[string]any) Result {
	name, _ := args["name"].(string)
	author, ok := a.authors[name]
	if !ok {
		return Result{Err: fmt.Sprintf("author %q not found", name)}
	}
	return jsonResult(map[string]any{"author": author})
}

func (a *AuthorRegistry) update(args map[string]any) Result {
	name, _ := args["name"].(string)
	author, ok := a.authors[name]
	if !ok {
		return Result{Err: fmt.Sprintf("author %q not found", name)}
	}
	if v, ok := args["new_name"].(string); ok && v != "" {
		delete(a.authors, name)
		author.Name = v
		name = v
	}
	if v, ok := args["bio"].(string); ok {
		author.Bio = v
	}
	if v, ok := args["nationality"].(string); ok {
		author.Nationality = v
	}
	if v := intArg(args, "birth_year"); v != 0 {
		author.BirthYear = v
	}
	author.UpdatedAt = time.Now()
	a.authors[name] = author
	return jsonResult(map[string]any{
		"message": fmt.Sprintf("Author %q has been updated", name),
		"author":  author,
	})
}

func (a *AuthorRegistry) delete(args map[string]any) Result {
	name, _ := args["name"].(string)
	author, ok := a.authors[name]
	if !ok {
		return Result{Err: fmt.Sprintf("author %q not found", name)}
	}
	delete(a.authors, name)
	return jsonResult(map[string]any{
		"message":        fmt.Sprintf("Author %q has been deleted", name),
		"deleted_author": author,
	})
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func jsonResult(payload map[string]any) Result {
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{Err: err.Error()}
	}
	return Result{Success: true, Data: string(data)}
}
