package anyrun

import (
	"context"
	"encoding/json"
	"sync"
)

type recordedCall struct {
	kind   string // "call", "first", "sub"
	name   string
	params []any
}

// fakeCaller answers requests from canned tables keyed by method or
// subscription name.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []recordedCall
	results map[string]json.RawMessage
	records map[string][]json.RawMessage
	errs    map[string]error
	block   chan struct{} // when set, requests wait on it
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		results: map[string]json.RawMessage{},
		records: map[string][]json.RawMessage{},
		errs:    map[string]error{},
	}
}

func (f *fakeCaller) record(kind, name string, params ...any) error {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{kind: kind, name: name, params: params})
	err := f.errs[name]
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeCaller) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	if err := f.record("call", method, params); err != nil {
		return nil, err
	}
	return f.results[method], nil
}

func (f *fakeCaller) CallFirstRecord(_ context.Context, method string, params any) (json.RawMessage, error) {
	if err := f.record("first", method, params); err != nil {
		return nil, err
	}
	return f.results[method], nil
}

func (f *fakeCaller) Subscribe(_ context.Context, name string, params ...any) ([]json.RawMessage, error) {
	if err := f.record("sub", name, params...); err != nil {
		return nil, err
	}
	return f.records[name], nil
}

func (f *fakeCaller) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

type fakeDownloader struct {
	fileArgs []string
	pcapArgs []string
	fetched  []string
	ioc      json.RawMessage
	err      error
}

func (d *fakeDownloader) DownloadFile(_ context.Context, taskUUID, objectUUID, token, dest string) (string, error) {
	d.fileArgs = []string{taskUUID, objectUUID, token, dest}
	return dest + "/sample.bin", d.err
}

func (d *fakeDownloader) DownloadPcap(_ context.Context, taskUUID, token, dest string) (string, error) {
	d.pcapArgs = []string{taskUUID, token, dest}
	return dest + "/" + taskUUID + ".pcap", d.err
}

func (d *fakeDownloader) FetchJSON(_ context.Context, url string) (json.RawMessage, error) {
	d.fetched = append(d.fetched, url)
	return d.ioc, d.err
}
