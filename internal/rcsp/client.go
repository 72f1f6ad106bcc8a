// Package rcsp implements the generic request/response RCSP operations
// that ride on FE frames (feature map, target/system info, file browse,
// small-file I/O) plus the two 9E auxiliary ops (battery, screen info).
package rcsp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"ledbadge-upload/internal/bus"
	"ledbadge-upload/internal/fe"
	"ledbadge-upload/internal/qix"
	"ledbadge-upload/internal/transport"
)

// AckTimeout bounds every RCSP request/response round trip (spec §5).
const AckTimeout = 8 * time.Second

// FE opcodes used by the auxiliary request/response layer.
const (
	CmdGetTargetFeatureMap  byte = 0x02
	CmdGetTargetInfo        byte = 0x03
	CmdGetSysInfo           byte = 0x07
	CmdStartFileBrowse      byte = 0x0C
	CmdStopFileBrowse       byte = 0x0D
	CmdSmallFile            byte = 0x28
)

// SmallFile operation codes.
const (
	SmallFileQuery  byte = 0x00
	SmallFileRead   byte = 0x01
	SmallFileDelete byte = 0x04
)

// seqCounter implements the 1..255 wrapping sequence counter described in
// spec §3: it starts at 1 and skips 0 on wraparound.
type seqCounter struct {
	mu   sync.Mutex
	next byte
}

func newSeqCounter() *seqCounter {
	return &seqCounter{next: 1}
}

func (c *seqCounter) take() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.next
	c.next++
	if c.next == 0 {
		c.next = 1
	}
	return v
}

// Client issues RCSP request/response exchanges over the data endpoint and
// the two 9E auxiliary ops over the control endpoint.
type Client struct {
	transport *transport.Transport
	bus       *bus.Bus
	seq       *seqCounter
}

// New builds a Client over the given transport and bus. The Client owns
// its own RCSP sequence counter, independent of the upload session's data
// sequence counter (spec §3: these are two distinct counters).
func New(t *transport.Transport, b *bus.Bus) *Client {
	return &Client{transport: t, bus: b, seq: newSeqCounter()}
}

// request sends an FE command frame (flag=0xC0) and waits for the
// matching response (same cmd, flag=0x00).
func (c *Client) request(ctx context.Context, cmd byte, body []byte) ([]byte, error) {
	wire, err := fe.Encode(fe.FlagCommand, cmd, body)
	if err != nil {
		return nil, fmt.Errorf("rcsp: encode cmd 0x%02X: %w", cmd, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, AckTimeout)
	defer cancel()

	if err := c.transport.Write(reqCtx, transport.DataW, wire); err != nil {
		return nil, fmt.Errorf("rcsp: write cmd 0x%02X: %w", cmd, err)
	}

	item, err := c.bus.WaitFrame(reqCtx, AckTimeout, func(f fe.Frame) bool {
		return f.Flag == fe.FlagResponse && f.Cmd == cmd
	})
	if err != nil {
		return nil, fmt.Errorf("rcsp: wait cmd 0x%02X: %w", cmd, err)
	}
	return item.Frame.Body, nil
}

// GetTargetFeatureMap returns the device's 32-bit feature mask.
func (c *Client) GetTargetFeatureMap(ctx context.Context) (uint32, error) {
	seq := c.seq.take()
	body, err := c.request(ctx, CmdGetTargetFeatureMap, []byte{seq})
	if err != nil {
		return 0, err
	}
	if len(body) < 4 {
		return 0, fmt.Errorf("rcsp: feature map response too short (%d bytes)", len(body))
	}
	return binary.BigEndian.Uint32(body[:4]), nil
}

// Attribute is one TLV entry returned by GetTargetInfo/GetSysInfo.
type Attribute struct {
	Type  byte
	Value []byte
}

// parseTLV parses a flat type-length-value attribute list: [type(1) len(1)
// value[len]]* .
func parseTLV(data []byte) []Attribute {
	var attrs []Attribute
	for len(data) >= 2 {
		t := data[0]
		l := int(data[1])
		data = data[2:]
		if l > len(data) {
			break
		}
		attrs = append(attrs, Attribute{Type: t, Value: data[:l]})
		data = data[l:]
	}
	return attrs
}

// GetTargetInfo queries device target attributes for the given mask and
// platform.
func (c *Client) GetTargetInfo(ctx context.Context, mask uint32, platform byte) ([]Attribute, error) {
	seq := c.seq.take()
	body := make([]byte, 6)
	body[0] = seq
	binary.BigEndian.PutUint32(body[1:5], mask)
	body[5] = platform
	resp, err := c.request(ctx, CmdGetTargetInfo, body)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, fmt.Errorf("rcsp: target info response too short")
	}
	return parseTLV(resp[1:]), nil
}

// GetSysInfo queries device system attributes for the given function and
// mask.
func (c *Client) GetSysInfo(ctx context.Context, function byte, mask uint32) ([]Attribute, error) {
	seq := c.seq.take()
	body := make([]byte, 6)
	body[0] = seq
	body[1] = function
	binary.BigEndian.PutUint32(body[2:6], mask)
	resp, err := c.request(ctx, CmdGetSysInfo, body)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, fmt.Errorf("rcsp: sys info response too short")
	}
	return parseTLV(resp[1:]), nil
}

// FileEntry is one directory entry returned by StartFileBrowse.
type FileEntry struct {
	Name string
	Raw  []byte
}

// fileEntrySize is the fixed on-wire width of one StartFileBrowse
// directory entry: a NUL-padded name in a fixed-size slot, no separate
// length or count field. spec.md leaves the entry layout unspecified;
// this is the fixed-stride convention this client assumes, pinned down
// by TestStartFileBrowse's multi-entry fixture rather than left as an
// untested guess.
const fileEntrySize = 32

// StartFileBrowse requests a directory listing of up to readNum entries
// starting at startIndex under path.
func (c *Client) StartFileBrowse(ctx context.Context, fileType byte, readNum byte, startIndex uint16, devHandler uint32, path string) ([]FileEntry, error) {
	seq := c.seq.take()
	pathBytes := []byte(path)

	body := make([]byte, 0, 1+1+1+2+4+2+len(pathBytes))
	body = append(body, seq, fileType, readNum)
	var startIdx [2]byte
	binary.BigEndian.PutUint16(startIdx[:], startIndex)
	body = append(body, startIdx[:]...)
	var handler [4]byte
	binary.BigEndian.PutUint32(handler[:], devHandler)
	body = append(body, handler[:]...)
	var pathLen [2]byte
	binary.LittleEndian.PutUint16(pathLen[:], uint16(len(pathBytes)))
	body = append(body, pathLen[:]...)
	body = append(body, pathBytes...)

	resp, err := c.request(ctx, CmdStartFileBrowse, body)
	if err != nil {
		return nil, err
	}

	var entries []FileEntry
	for len(resp) >= fileEntrySize {
		raw := resp[:fileEntrySize]
		name := string(bytes.TrimRight(raw, "\x00"))
		entries = append(entries, FileEntry{Name: name, Raw: raw})
		resp = resp[fileEntrySize:]
	}
	return entries, nil
}

// StopFileBrowse ends an in-progress directory listing.
func (c *Client) StopFileBrowse(ctx context.Context) error {
	seq := c.seq.take()
	_, err := c.request(ctx, CmdStopFileBrowse, []byte{seq})
	return err
}

// SmallFile performs a query/read/delete against the device's small-file
// KV store, addressed by (fileType, id).
func (c *Client) SmallFile(ctx context.Context, op byte, fileType byte, id byte) ([]byte, error) {
	seq := c.seq.take()
	resp, err := c.request(ctx, CmdSmallFile, []byte{seq, op, fileType, id})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// aux9E issues a 9E request on the control endpoint and waits for the
// matching response command.
func (c *Client) aux9E(ctx context.Context, reqCmd byte, reqPayload []byte, respCmd byte) ([]byte, error) {
	wire, err := qix.Encode(reqCmd, reqPayload, qix.Flags{IsRequest: true, NeedResponse: true})
	if err != nil {
		return nil, fmt.Errorf("rcsp: encode 9E cmd 0x%02X: %w", reqCmd, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, AckTimeout)
	defer cancel()

	if err := c.transport.Write(reqCtx, transport.CtrlW, wire); err != nil {
		return nil, fmt.Errorf("rcsp: write 9E cmd 0x%02X: %w", reqCmd, err)
	}

	item, err := c.bus.Wait(reqCtx, AckTimeout, func(raw []byte) bool {
		f, err := qix.Decode(raw)
		return err == nil && f.Cmd == respCmd
	})
	if err != nil {
		return nil, fmt.Errorf("rcsp: wait 9E cmd 0x%02X: %w", respCmd, err)
	}
	f, err := qix.Decode(item)
	if err != nil {
		return nil, err
	}
	return f.Payload, nil
}

// GetBatteryLevel reads the device's battery status and charge level.
func (c *Client) GetBatteryLevel(ctx context.Context) (status byte, level byte, err error) {
	resp, err := c.aux9E(ctx, 0x29, []byte{0x80}, 0x27)
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < 2 {
		return 0, 0, fmt.Errorf("rcsp: battery response too short")
	}
	return resp[0], resp[1], nil
}

// ScreenInfo describes the badge's display, as returned by
// GetScreenInfo.
type ScreenInfo struct {
	Width, Height       uint16
	PicWidth, PicHeight uint16
	MemSize             uint32
}

// GetScreenInfo reads the device's display properties.
func (c *Client) GetScreenInfo(ctx context.Context) (ScreenInfo, error) {
	resp, err := c.aux9E(ctx, 0xC6, []byte{0x01}, 0xC7)
	if err != nil {
		return ScreenInfo{}, err
	}
	if len(resp) < 13 {
		return ScreenInfo{}, fmt.Errorf("rcsp: screen info response too short (%d bytes)", len(resp))
	}
	return ScreenInfo{
		Width:     binary.LittleEndian.Uint16(resp[1:3]),
		Height:    binary.LittleEndian.Uint16(resp[3:5]),
		PicWidth:  binary.LittleEndian.Uint16(resp[5:7]),
		PicHeight: binary.LittleEndian.Uint16(resp[7:9]),
		MemSize:   binary.LittleEndian.Uint32(resp[9:13]),
	}, nil
}
