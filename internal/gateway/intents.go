package gateway

// Intent bits accepted at Identify.
const (
	intentGuilds        = 1 << 0
	intentDirectMessage = 1 << 12
	intentGroupAndC2C   = 1 << 25
	intentPublicGuild   = 1 << 30
)

// Intent levels, most to least privileged. An Identify rejected with a
// non-resumable invalid session steps one level down; a successful READY
// pins the level for future attempts.
const (
	LevelFull = iota
	LevelGroupChannel
	LevelChannelOnly

	levelFloor = LevelChannelOnly
)

func intentBitmask(level int) int {
	switch level {
	case LevelFull:
		return intentGuilds | intentPublicGuild | intentDirectMessage | intentGroupAndC2C
	case LevelGroupChannel:
		return intentPublicGuild | intentGroupAndC2C
	default:
		return intentPublicGuild
	}
}

func levelName(level int) string {
	switch level {
	case LevelFull:
		return "full"
	case LevelGroupChannel:
		return "group+channel"
	case LevelChannelOnly:
		return "channel-only"
	default:
		return "unknown"
	}
}

// clampLevel keeps persisted or configured levels inside the ladder.
func clampLevel(level int) int {
	if level < LevelFull {
		return LevelFull
	}
	if level > levelFloor {
		return levelFloor
	}
	return level
}
