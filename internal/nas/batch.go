package nas

// Batch collects commands produced inside a voucher transaction. It is
// flushed only after the transaction commits and the voucher lock is
// released, so NAS delivery never runs under the lock.
type Batch struct {
	cmds []Command
}

func (b *Batch) Add(cmd Command) {
	if b == nil {
		return
	}
	b.cmds = append(b.cmds, cmd)
}

func (b *Batch) Commands() []Command {
	if b == nil {
		return nil
	}
	return b.cmds
}

// Merge appends the commands of other, leaving other untouched.
func (b *Batch) Merge(other *Batch) {
	if b == nil || other == nil {
		return
	}
	b.cmds = append(b.cmds, other.cmds...)
}

// Flush hands every collected command to sink and empties the batch.
func (b *Batch) Flush(sink Sink) {
	if b == nil || sink == nil {
		return
	}
	for _, cmd := range b.cmds {
		sink.Enqueue(cmd)
	}
	b.cmds = nil
}
