package agents

import "hash/fnv"

// displayNames is the pool of readable fallback names for sub-agents
// spawned without one. The list is fixed so a given folder/id pair
// always maps to the same name across restarts.
var displayNames = []string{
	"Alder", "Aspen", "Birch", "Cedar", "Cypress",
	"Elm", "Fir", "Hazel", "Juniper", "Larch",
	"Laurel", "Linden", "Magnolia", "Maple", "Oak",
	"Pine", "Poplar", "Rowan", "Sequoia", "Spruce",
	"Sycamore", "Tamarack", "Walnut", "Willow", "Yew",
}

// defaultDisplayName derives a stable human-readable name for an agent
// from its folder and id.
func defaultDisplayName(folder, id string) string {
	h := fnv.New32a()
	h.Write([]byte(folder))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return displayNames[h.Sum32()%uint32(len(displayNames))]
}
