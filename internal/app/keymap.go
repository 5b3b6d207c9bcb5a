package app

// Key binding constants used in handleKey.
const (
	KeyQuit       = "q"
	KeyQuitUpper  = "Q"
	KeyCtrlC      = "ctrl+c"
	KeySpace      = " "
	KeyPause      = "p"
	KeyExport     = "e"
	KeyFormat     = "f"
	KeyTimestamps = "t"
	KeySystem     = "s"
	KeyAutoScroll = "a"
	KeyReconnect  = "r"
	KeyUp         = "up"
	KeyDown       = "down"
	KeyJ          = "j"
	KeyK          = "k"
	KeyEnd        = "end"
)
