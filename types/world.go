package types

// EquipmentSlots names the six equipment slots in loadout order.
// Index 4 (weapon.mainhand) is never provisioned by a hard reset.
var EquipmentSlots = [6]string{
	"armor.head",
	"armor.chest",
	"armor.legs",
	"armor.feet",
	"weapon.mainhand",
	"weapon.offhand",
}

// MainhandSlot is the index of weapon.mainhand in EquipmentSlots.
const MainhandSlot = 4

// AgentState is the cheap per-tick state of the agent.
// Remote worlds push it with every tick frame; the stuck detector samples it.
type AgentState struct {
	Position Vec3 `msgpack:"position" json:"position" yaml:"position"`
	// Moving is true while a movement goal is active and not yet reached.
	Moving    bool           `msgpack:"moving" json:"moving" yaml:"moving"`
	Health    float64        `msgpack:"health" json:"health" yaml:"health"`
	Food      float64        `msgpack:"food" json:"food" yaml:"food"`
	Inventory map[string]int `msgpack:"inventory" json:"inventory" yaml:"inventory"`
	// InventoryUsed is the number of occupied inventory slots.
	InventoryUsed int `msgpack:"inventory_used" json:"inventory_used" yaml:"inventory_used"`
}

// Count returns how many of item the agent holds.
func (s AgentState) Count(item string) int {
	return s.Inventory[item]
}

// Snapshot is the sensor view of the world produced at the end of a step.
// Its contents are owned by the world collaborator.
type Snapshot struct {
	State     AgentState `msgpack:"state" json:"state" yaml:"state"`
	Equipment []string   `msgpack:"equipment" json:"equipment" yaml:"equipment"`
	// Voxels lists distinct block names around the agent.
	Voxels    []string `msgpack:"voxels" json:"voxels" yaml:"voxels"`
	Biome     string   `msgpack:"biome,omitempty" json:"biome,omitempty" yaml:"biome,omitempty"`
	TimeOfDay int64    `msgpack:"time_of_day" json:"time_of_day" yaml:"time_of_day"`
	Paused    bool     `msgpack:"paused" json:"paused" yaml:"paused"`
}

// BlockQuery selects blocks around the agent.
type BlockQuery struct {
	// Name is the block name to match. Empty matches air.
	Name string `msgpack:"name" json:"name"`
	// MaxDistance is the search radius in blocks along each axis.
	MaxDistance int `msgpack:"max_distance" json:"max_distance"`
	// Count caps the number of results. Zero means 1.
	Count int `msgpack:"count" json:"count"`
}

// BlockAir is the name of the empty block.
const BlockAir = "air"
