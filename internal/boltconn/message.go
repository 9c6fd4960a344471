package boltconn

import "github.com/jroosing/hydrabolt/internal/packstream"

// Wire message tags (§6).
const (
	TagHello    byte = 0x01
	TagGoodbye  byte = 0x02
	TagReset    byte = 0x0F
	TagRun      byte = 0x10
	TagBegin    byte = 0x11
	TagCommit   byte = 0x12
	TagRollback byte = 0x13
	TagDiscard  byte = 0x2F
	TagPull     byte = 0x3F
	TagRoute    byte = 0x66

	TagSuccess byte = 0x70
	TagRecord  byte = 0x71
	TagIgnored byte = 0x7E
	TagFailure byte = 0x7F
)

func structMsg(tag byte, fields ...any) packstream.Structure {
	return packstream.Structure{Tag: tag, Fields: fields}
}

func helloMessage(extras packstream.Map) packstream.Structure {
	return structMsg(TagHello, extras)
}

func runMessage(query string, params packstream.Map, extras packstream.Map) packstream.Structure {
	return structMsg(TagRun, query, params, extras)
}

func pullMessage(extras packstream.Map) packstream.Structure {
	return structMsg(TagPull, extras)
}

func discardMessage(extras packstream.Map) packstream.Structure {
	return structMsg(TagDiscard, extras)
}

func beginMessage(extras packstream.Map) packstream.Structure {
	return structMsg(TagBegin, extras)
}

func commitMessage() packstream.Structure   { return structMsg(TagCommit) }
func rollbackMessage() packstream.Structure { return structMsg(TagRollback) }
func resetMessage() packstream.Structure    { return structMsg(TagReset) }
func goodbyeMessage() packstream.Structure  { return structMsg(TagGoodbye) }

func routeMessage(context packstream.Map, bookmarks []any, dbExtra packstream.Map) packstream.Structure {
	return structMsg(TagRoute, context, bookmarks, dbExtra)
}
