package governor

// EnforceOnLoop runs the guard on the session loop, as a host callback would.
func (g *Governor) EnforceOnLoop(v Video, mode Mode) {
	g.loop.post(func() { g.guard.Enforce(v, mode, "test") })
}
