package terminal

import (
	"github.com/kmemscope/kmemscope/pkg/kmem"
	"github.com/kmemscope/kmemscope/pkg/slub"
	"github.com/kmemscope/kmemscope/pkg/terminal/starbind"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Accessor() (*kmem.Accessor, error) {
	if err := ctx.term.checkAttached(); err != nil {
		return nil, err
	}
	return ctx.term.a, nil
}

func (ctx starlarkContext) Allocator() (*slub.Allocator, error) {
	if err := ctx.term.checkAttached(); err != nil {
		return nil, err
	}
	return ctx.term.al, nil
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	ctx.term.cmds.Register(name, func(t *Term, args string) error {
		return fn(args)
	}, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}
