package main

import (
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/dcbench/internal/session"
	"github.com/1ureka/dcbench/internal/util"
)

// console renders session notifications on the terminal.
type console struct {
	msgSize   int
	ready     chan struct{}
	readyOnce sync.Once
}

func newConsole(msgSize int) *console {
	return &console{msgSize: msgSize, ready: make(chan struct{})}
}

// Ready is closed on the first OnReady.
func (c *console) Ready() <-chan struct{} { return c.ready }

func (c *console) OnReady() {
	c.readyOnce.Do(func() { close(c.ready) })
	pterm.Success.Println("transport ready, type \"start\" to send")
}

func (c *console) OnDisconnect(err error) {
	if err != nil {
		pterm.Error.Printfln("disconnected: %v", err)
		return
	}
	pterm.Warning.Println("disconnected")
}

func (c *console) OnChannelOpen(label string) {
	pterm.Info.Printfln("lane %s open", label)
}

func (c *console) OnChannelClose(label string) {
	pterm.Info.Printfln("lane %s closed", label)
}

func (c *console) OnMetrics(u session.Update) {
	dir := "recv"
	if u.Sending {
		dir = "send"
	}
	util.LogInfo("[%s] %s total %8d | %s", u.Label, dir, u.Total, util.FormatThroughput(u.MPS, c.msgSize))
}

func (c *console) OnBackpressure(label string, sent int) {
	util.LogDebug("[%s] buffer full, burst cut after %d messages", label, sent)
}
