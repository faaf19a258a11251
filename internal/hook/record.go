package hook

import (
	"bytes"
	"io"
	"sync"
)

// recordingBody 包装真实响应体，读到末尾或关闭时回调一次
type recordingBody struct {
	rc    io.ReadCloser
	buf   bytes.Buffer
	limit int64
	once  sync.Once
	done  func([]byte)
}

func newRecordingBody(rc io.ReadCloser, limit int64, done func([]byte)) *recordingBody {
	return &recordingBody{rc: rc, limit: limit, done: done}
}

func (r *recordingBody) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		if room := r.limit - int64(r.buf.Len()); room > 0 {
			chunk := p[:n]
			if int64(len(chunk)) > room {
				chunk = chunk[:room]
			}
			r.buf.Write(chunk)
		}
	}
	if err == io.EOF {
		r.finish()
	}
	return n, err
}

func (r *recordingBody) Close() error {
	err := r.rc.Close()
	r.finish()
	return err
}

func (r *recordingBody) finish() {
	r.once.Do(func() {
		r.done(bytes.Clone(r.buf.Bytes()))
	})
}
