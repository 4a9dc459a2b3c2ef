package graphpipe

import (
	"errors"
	"fmt"

	"github.com/mstrYoda/graphpipe/storage"
)

// DemoPerson is one vertex of the demo social graph.
type DemoPerson struct {
	Name string
	Age  int64
	City string
}

// DemoPeople is the demo dataset. Knows edges link each person to the next
// two in the list; Alice also knows Hank.
var DemoPeople = []DemoPerson{
	{"Alice", 30, "Istanbul"},
	{"Bob", 25, "Ankara"},
	{"Charlie", 35, "Istanbul"},
	{"Diana", 28, "Izmir"},
	{"Eve", 32, "Istanbul"},
	{"Frank", 45, "Ankara"},
	{"Grace", 29, "Bursa"},
	{"Hank", 38, "Istanbul"},
}

// SeedDemo creates the Person/Movie vertex types, the Knows/Watched edge
// types, indexes on Person.name and Person.age, and the demo records. It
// returns the identities by name. Seeding an already seeded database fails
// with storage.ErrTypeExists.
func SeedDemo(db *DB) (map[string]storage.RID, error) {
	for _, t := range []struct {
		name string
		kind storage.Kind
	}{
		{"Person", storage.KindVertex},
		{"Movie", storage.KindVertex},
		{"Knows", storage.KindEdge},
		{"Watched", storage.KindEdge},
	} {
		if _, err := db.CreateType(t.name, t.kind); err != nil {
			return nil, err
		}
	}
	for _, idx := range []storage.IndexDef{
		{Name: "Person.name", Type: "Person", Properties: []string{"name"}, Unique: true},
		{Name: "Person.age", Type: "Person", Properties: []string{"age"}},
	} {
		if _, err := db.CreateIndex(idx); err != nil {
			return nil, err
		}
	}

	tx := db.engine.Begin()
	defer tx.Rollback()

	rids := make(map[string]storage.RID, len(DemoPeople)+2)
	for _, p := range DemoPeople {
		rid, err := tx.Save(storage.NewVertex("Person", storage.Props{"name": p.Name, "age": p.Age, "city": p.City}), "")
		if err != nil {
			return nil, fmt.Errorf("graphpipe: seed %s: %w", p.Name, err)
		}
		rids[p.Name] = rid
	}
	for _, m := range []struct {
		title string
		year  int64
	}{{"Inception", 2010}, {"The Matrix", 1999}} {
		rid, err := tx.Save(storage.NewVertex("Movie", storage.Props{"title": m.title, "year": m.year}), "")
		if err != nil {
			return nil, fmt.Errorf("graphpipe: seed %s: %w", m.title, err)
		}
		rids[m.title] = rid
	}

	link := func(edgeType, from, to string, props storage.Props) error {
		_, err := tx.NewEdge(edgeType, rids[from], rids[to], props)
		return err
	}
	var errs []error
	for i, p := range DemoPeople {
		for _, j := range []int{i + 1, i + 2} {
			if j < len(DemoPeople) {
				errs = append(errs, link("Knows", p.Name, DemoPeople[j].Name, storage.Props{"since": int64(2010 + i)}))
			}
		}
	}
	errs = append(errs,
		link("Knows", "Alice", "Hank", storage.Props{"since": int64(2020)}),
		link("Watched", "Alice", "Inception", storage.Props{"rating": int64(9)}),
		link("Watched", "Bob", "The Matrix", storage.Props{"rating": int64(10)}),
		link("Watched", "Eve", "Inception", storage.Props{"rating": int64(7)}),
	)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("graphpipe: seed edges: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	db.log.Info("demo data seeded", "people", len(DemoPeople), "movies", 2)
	return rids, nil
}
