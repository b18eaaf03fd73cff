package main

// nodeRuntime adapts *Node to monitoring.RuntimeInterface, the seam the
// sampling loop in pkg/monitoring polls on its CollectInterval.
type nodeRuntime struct {
	node *Node
}

func (r nodeRuntime) BlockHeight() uint32 { return r.node.Clock.Height() }
func (r nodeRuntime) QueueDepth() int     { return r.node.Queue.Len() }
func (r nodeRuntime) WaitlistSize() int   { return r.node.Waitlist.Len() }
func (r nodeRuntime) MailboxSize() int    { return r.node.Mailbox.Len() }
func (r nodeRuntime) ActivePrograms() int { return r.node.ActiveProgramCount() }
