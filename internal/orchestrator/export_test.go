package orchestrator

// ManualReplyNote exposes manualReplyNote to the external test package.
const ManualReplyNote = manualReplyNote

// SetSender replaces the orchestrator's sender for the external test package.
func (o *Orchestrator) SetSender(s Sender) { o.sender = s }
