package model

// Mutation command types accepted on the queue.
const (
	MutAdjustWeight       = "adjust_weight"
	MutAdjustThreshold    = "adjust_threshold"
	MutAdjustRate         = "adjust_rate"
	MutAdjustCooldown     = "adjust_cooldown"
	MutAdjustTurnsPerHour = "adjust_turns_per_hour"
	MutAddDrive           = "add_drive"
	MutRemoveDrive        = "remove_drive"
	MutSpikeDrive         = "spike_drive"
	MutDecayDrive         = "decay_drive"
)

// MutationCommand is one self-modification request from the queue file.
// Which fields are required depends on Type; the mutator validates per
// type. Optional numeric fields are pointers so a missing field can be
// told apart from an explicit zero.
type MutationCommand struct {
	Type   string   `json:"type"`
	Drive  string   `json:"drive,omitempty"`
	Name   string   `json:"name,omitempty"`
	Value  *float64 `json:"value,omitempty"`
	Weight *float64 `json:"weight,omitempty"`
	Amount *float64 `json:"amount,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// Mutation result statuses.
const (
	MutationApplied = "applied"
	MutationBlocked = "blocked"
	MutationError   = "error"
)

// MutationResult reports the outcome of applying one command.
type MutationResult struct {
	Status  string  `json:"status"`
	Type    string  `json:"type"`
	Drive   string  `json:"drive,omitempty"`
	Before  float64 `json:"before,omitempty"`
	After   float64 `json:"after,omitempty"`
	Clamped bool    `json:"clamped,omitempty"`
	Err     string  `json:"error,omitempty"`
}

// MutationRecord is one append-only audit entry. PrevHash/Hash form a
// chain so tampering with past entries is detectable.
type MutationRecord struct {
	Timestamp   float64 `json:"timestamp"`
	Type        string  `json:"mutation_type"`
	Target      string  `json:"target"`
	Before      any     `json:"before"`
	After       any     `json:"after"`
	Reason      string  `json:"reason"`
	Clamped     bool    `json:"clamped"`
	ClampedFrom any     `json:"clamped_from,omitempty"`
	Source      string  `json:"source,omitempty"`
	PrevHash    string  `json:"prev_hash,omitempty"`
	Hash        string  `json:"hash,omitempty"`
}
