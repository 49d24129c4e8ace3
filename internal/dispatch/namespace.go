package dispatch

import (
	"strings"

	"github.com/fcoury/oxidedb/internal/bsonkit"
)

// Namespace is a resolved (database, collection) pair, supplemented from
// original_source/src/namespace.rs's db.collection vocabulary — spec.md's
// explicit contracts never name this type, but every command handler in
// the original needs one.
type Namespace struct {
	DB   string
	Coll string
}

// String renders "db.collection", the wire-level full-namespace form.
func (n Namespace) String() string { return n.DB + "." + n.Coll }

// ParseNamespace splits a full "db.collection" string, such as the legacy
// OP_QUERY fullCollectionName field, into a Namespace. Both parts must be
// non-empty.
func ParseNamespace(fqn string) (Namespace, bool) {
	db, coll, ok := strings.Cut(fqn, ".")
	if !ok || db == "" || coll == "" {
		return Namespace{}, false
	}
	return Namespace{DB: db, Coll: coll}, true
}

// collectionCommands names every command whose argument document carries
// the target collection as the string value of the command's own key
// (spec.md §4.H's rewrite list, reused here to resolve dispatch targets).
var collectionCommands = map[string]bool{
	"find": true, "insert": true, "update": true, "delete": true,
	"aggregate": true, "create": true, "drop": true,
	"createIndexes": true, "dropIndexes": true, "findAndModify": true,
}

// ResolveNamespace extracts the target namespace from a command document:
// $db for the database, plus either the command's own string value (for
// collectionCommands) or an explicit "collection" field (getMore,
// killCursors).
func ResolveNamespace(cmdName string, cmd *bsonkit.Document) (Namespace, bool) {
	dbVal := cmd.Get("$db")
	if dbVal == nil || dbVal.Kind != bsonkit.KindString {
		return Namespace{}, false
	}
	ns := Namespace{DB: dbVal.Str}

	if collectionCommands[cmdName] {
		v := cmd.Get(cmdName)
		if v == nil || v.Kind != bsonkit.KindString {
			return Namespace{}, false
		}
		ns.Coll = v.Str
		return ns, true
	}

	if cmdName == "getMore" || cmdName == "killCursors" {
		v := cmd.Get("collection")
		if v == nil || v.Kind != bsonkit.KindString {
			return Namespace{}, false
		}
		ns.Coll = v.Str
		return ns, true
	}

	return ns, true
}
