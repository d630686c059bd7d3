package transition

// Role is the role a partition replica was assigned by consensus.
type Role int32

const (
	RoleInactive Role = iota
	RoleFollower
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleInactive:
		return "inactive"
	case RoleFollower:
		return "follower"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}
