package devmapper

import (
	"io"
	"os"

	"github.com/blkmapper/devmapper/internal/logging"
	"github.com/blkmapper/devmapper/internal/uapi"
)

// fakeChannel records how each command was constructed and plays back a
// scripted sequence of kernel replies.
type fakeChannel struct {
	calls   []fakeCall
	replies []fakeReply
	closed  bool
}

type fakeCall struct {
	cmd     uint32
	hdr     uapi.Ioctl
	payload []byte
}

type fakeReply struct {
	mutate func(hdr *uapi.Ioctl)
	data   []byte
	err    error
}

func (f *fakeChannel) Execute(cmd uint32, hdr *uapi.Ioctl, payload []byte) ([]byte, error) {
	f.calls = append(f.calls, fakeCall{
		cmd:     cmd,
		hdr:     *hdr,
		payload: append([]byte(nil), payload...),
	})

	if len(f.replies) == 0 {
		return nil, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]

	if r.err != nil {
		return nil, r.err
	}
	if r.mutate != nil {
		r.mutate(hdr)
	}
	return r.data, nil
}

func (f *fakeChannel) File() *os.File {
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func quietLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:  logging.LevelError,
		Format: "json",
		Output: io.Discard,
		Sync:   true,
	})
}

// newFakeDM builds a handle backed by a fakeChannel instead of the control
// device.
func newFakeDM(replies ...fakeReply) (*DM, *fakeChannel) {
	ch := &fakeChannel{replies: replies}
	return &DM{ch: ch, logger: quietLogger(), metrics: NewMetrics()}, ch
}
