package inventory

// Category names one class of cached snapshot. The set is closed: adding a
// category means adding a typed record here and a typed accessor pair in the
// cache store, so the compiler catches a category that was wired only halfway.
type Category string

const (
	CategoryEndpoints Category = "endpoints"
	CategoryVMs       Category = "vms"
	CategoryHosts     Category = "hosts"
	CategoryAlerts    Category = "alerts"
	CategoryClusters  Category = "clusters"
	CategoryNetworks  Category = "networks"
	CategoryStorage   Category = "storage"
)

// Categories returns every persisted category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryEndpoints,
		CategoryVMs,
		CategoryHosts,
		CategoryAlerts,
		CategoryClusters,
		CategoryNetworks,
		CategoryStorage,
	}
}

// Valid reports whether c names a known persisted category.
func (c Category) Valid() bool {
	switch c {
	case CategoryEndpoints, CategoryVMs, CategoryHosts, CategoryAlerts,
		CategoryClusters, CategoryNetworks, CategoryStorage:
		return true
	}
	return false
}
