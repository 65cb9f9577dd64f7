package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	memoryCmds
	allocatorCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Viewing target memory and types", memoryCmds},
	{"Inspecting the slab allocator", allocatorCmds},
	{"Other commands", otherCmds},
}
