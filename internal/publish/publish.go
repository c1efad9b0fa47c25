// Package publish sends sample blocks and frames to subscribers over a ZMQ
// PUB socket. Each message has three parts: topic, binary header, payload.
package publish

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pebbe/zmq4"
	"github.com/usnistgov/grabdaq"
	"github.com/usnistgov/grabdaq/getbytes"
	"gonum.org/v1/gonum/mat"
)

// Message topics
const (
	TopicSamples = "SAMPLES"
	TopicFrame   = "FRAME"
)

// Publisher owns one bound PUB socket.
type Publisher struct {
	sock *zmq4.Socket
	addr string
}

// NewPublisher binds a PUB socket to addr, e.g. "tcp://*:5600".
func NewPublisher(addr string) (*Publisher, error) {
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := sock.Bind(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("publish: bind %s: %w", addr, err)
	}
	return &Publisher{sock: sock, addr: addr}, nil
}

// Addr is the bound address.
func (p *Publisher) Addr() string {
	return p.addr
}

// Close closes the socket.
func (p *Publisher) Close() error {
	return p.sock.Close()
}

// samplesHeader: rows, cols as little-endian uint32, then the column names
// separated by newlines.
func samplesHeader(rows, cols int, names []string) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(rows))
	binary.Write(&buf, binary.LittleEndian, uint32(cols))
	buf.WriteString(strings.Join(names, "\n"))
	return buf.Bytes()
}

// PublishSamples sends one sample block, row-major float64 payload.
// Empty blocks are not sent.
func (p *Publisher) PublishSamples(block *grabdaq.SampleBlock) error {
	if block.Len() == 0 {
		return nil
	}
	rows, cols := block.Data.Dims()
	payload := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		payload = append(payload, block.Data.RawRowView(i)...)
	}
	_, err := p.sock.SendMessage(TopicSamples, samplesHeader(rows, cols, block.Names), getbytes.FromSliceFloat64(payload))
	return err
}

// DecodeSamples rebuilds a sample block from the header and payload parts.
func DecodeSamples(header, payload []byte) (*grabdaq.SampleBlock, error) {
	if len(header) < 8 {
		return nil, fmt.Errorf("publish: samples header of %d bytes", len(header))
	}
	rows := int(binary.LittleEndian.Uint32(header[0:4]))
	cols := int(binary.LittleEndian.Uint32(header[4:8]))
	names := strings.Split(string(header[8:]), "\n")
	if len(names) != cols || len(payload) != 8*rows*cols {
		return nil, fmt.Errorf("publish: samples message of %dx%d with %d names and %d payload bytes",
			rows, cols, len(names), len(payload))
	}
	data := make([]float64, rows*cols)
	copy(getbytes.FromSliceFloat64(data), payload)
	return &grabdaq.SampleBlock{Names: names, Data: mat.NewDense(rows, cols, data)}, nil
}

// frameHeader: index int64, rows uint32, cols uint32, valid uint8.
func frameHeader(info grabdaq.FrameInfo, rows, cols int) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, info.Index)
	binary.Write(&buf, binary.LittleEndian, uint32(rows))
	binary.Write(&buf, binary.LittleEndian, uint32(cols))
	valid := uint8(0)
	if info.Valid {
		valid = 1
	}
	buf.WriteByte(valid)
	return buf.Bytes()
}

// PublishFrames sends one message per frame of batch, chunks included.
// Placeholders for lost frames are sent with an empty payload.
func (p *Publisher) PublishFrames(batch *grabdaq.ImageBatch) error {
	send := func(f *grabdaq.Frame, info grabdaq.FrameInfo) error {
		rows, cols := 0, 0
		payload := []byte{}
		if f != nil {
			rows, cols = f.Rows, f.Cols
			payload = getbytes.FromSliceUint16(f.Pixels)
		}
		_, err := p.sock.SendMessage(TopicFrame, frameHeader(info, rows, cols), payload)
		return err
	}
	if batch.Chunks != nil {
		for i, c := range batch.Chunks {
			valid := batch.Infos[i].Valid
			for _, f := range c.Frames {
				if err := send(f, grabdaq.FrameInfo{Index: f.Index, Valid: valid}); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for i, f := range batch.Frames {
		if err := send(f, batch.Infos[i]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeFrame rebuilds a frame from the header and payload parts. A lost
// frame placeholder decodes to a nil frame with a not-valid info.
func DecodeFrame(header, payload []byte) (*grabdaq.Frame, grabdaq.FrameInfo, error) {
	if len(header) != 17 {
		return nil, grabdaq.FrameInfo{}, fmt.Errorf("publish: frame header of %d bytes", len(header))
	}
	info := grabdaq.FrameInfo{
		Index: int64(binary.LittleEndian.Uint64(header[0:8])),
		Valid: header[16] == 1,
	}
	rows := int(binary.LittleEndian.Uint32(header[8:12]))
	cols := int(binary.LittleEndian.Uint32(header[12:16]))
	if len(payload) == 0 {
		return nil, info, nil
	}
	if len(payload) != 2*rows*cols {
		return nil, info, fmt.Errorf("publish: frame %d of %dx%d has %d payload bytes", info.Index, rows, cols, len(payload))
	}
	f := grabdaq.NewZeroFrame(info.Index, rows, cols)
	copy(getbytes.FromSliceUint16(f.Pixels), payload)
	return f, info, nil
}

// Run publishes everything received on samples and frames until abort is
// closed, then closes the publisher. Send errors are logged and do not stop
// the loop.
func Run(p *Publisher, samples <-chan *grabdaq.SampleBlock, frames <-chan *grabdaq.ImageBatch, abort <-chan struct{}) {
	defer p.Close()
	for {
		select {
		case <-abort:
			return
		case block := <-samples:
			if err := p.PublishSamples(block); err != nil {
				grabdaq.ProblemLogger.Printf("publish samples: %v", err)
			}
		case batch := <-frames:
			if err := p.PublishFrames(batch); err != nil {
				grabdaq.ProblemLogger.Printf("publish frames: %v", err)
			}
		}
	}
}
