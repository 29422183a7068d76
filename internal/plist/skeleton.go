package plist

// Well known kinds with a default skeleton.
const (
	KindManifests = "manifests"
	KindPkgsinfo  = "pkgsinfo"
)

// manifestSections are the array keys every new manifest starts with.
var manifestSections = []string{
	"catalogs",
	"included_manifests",
	"managed_installs",
	"managed_uninstalls",
	"managed_updates",
	"optional_installs",
}

// Skeleton returns the record a new file of the given kind starts with when
// the caller supplies none. Kinds without a skeleton get an empty dict.
func Skeleton(kind string) Record {
	switch kind {
	case KindManifests:
		rec := make(Record, len(manifestSections))
		for _, section := range manifestSections {
			rec[section] = []any{}
		}
		return rec
	case KindPkgsinfo:
		return Record{
			"name":         "ProductName",
			"display_name": "Display Name",
			"description":  "Product description",
			"version":      "1.0",
			"catalogs":     []any{"development"},
		}
	default:
		return Record{}
	}
}
