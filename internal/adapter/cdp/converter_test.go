package cdp

import (
	"testing"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"

	"apimocker/pkg/traffic"
)

func TestToDetails(t *testing.T) {
	body := `{"id":1}`
	ev := &fetch.RequestPausedReply{
		RequestID: "interception-1",
		Request: network.Request{
			URL:      "https://example.com/api/user?id=1",
			Method:   "POST",
			Headers:  network.Headers(`{"Content-Type":"application/json","X-Env":"dev"}`),
			PostData: &body,
		},
		ResourceType: network.ResourceType("XHR"),
	}

	d := ToDetails(ev)
	assert.Equal(t, "interception-1", d.RequestID)
	assert.Equal(t, "https://example.com/api/user?id=1", d.URL)
	assert.Equal(t, "POST", d.Method)
	assert.Equal(t, "dev", d.Headers.Get("x-env"))
	assert.Equal(t, "application/json", d.Headers.Get("Content-Type"))
	assert.Equal(t, []byte(body), d.Body)
	assert.Equal(t, "XHR", d.ResourceType)
}

func TestToDetailsWithoutBodyOrHeaders(t *testing.T) {
	ev := &fetch.RequestPausedReply{
		RequestID: "2",
		Request:   network.Request{URL: "https://example.com/", Method: "GET", Headers: network.Headers(`not json`)},
	}
	d := ToDetails(ev)
	assert.Nil(t, d.Body)
	assert.Empty(t, d.Headers)
}

func TestToHeaderEntries(t *testing.T) {
	entries := ToHeaderEntries(traffic.Header{"content-type": "text/plain"})
	assert.Equal(t, []fetch.HeaderEntry{{Name: "content-type", Value: "text/plain"}}, entries)
}
