package storage

import lru "github.com/hashicorp/golang-lru/v2"

// schemaCache remembers which (db, coll) pairs are already known to exist,
// so a hot-path insert after warm-up emits zero DDL (spec.md §4.D).
type schemaCache struct {
	known *lru.Cache[string, bool]
}

func newSchemaCache(size int) (*schemaCache, error) {
	c, err := lru.New[string, bool](size)
	if err != nil {
		return nil, err
	}
	return &schemaCache{known: c}, nil
}

func cacheKey(db, coll string) string { return db + "." + coll }

func (c *schemaCache) has(db, coll string) bool {
	ok, _ := c.known.Get(cacheKey(db, coll))
	return ok
}

func (c *schemaCache) mark(db, coll string) {
	c.known.Add(cacheKey(db, coll), true)
}

func (c *schemaCache) hasDB(db string) bool {
	ok, _ := c.known.Get(cacheKey(db, ""))
	return ok
}

func (c *schemaCache) markDB(db string) {
	c.known.Add(cacheKey(db, ""), true)
}

// evict forgets (db, coll), so a later insert re-runs EnsureCollection's DDL
// — used after DropCollection so a recreated collection is re-registered.
func (c *schemaCache) evict(db, coll string) {
	c.known.Remove(cacheKey(db, coll))
}
