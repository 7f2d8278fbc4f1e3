package main

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/e1000rx-go/e1000"
	"github.com/romshark/e1000rx-go/sim"
	"github.com/romshark/e1000rx-go/test"
)

func TestBuildUDPPacket(t *testing.T) {
	buf := make([]byte, 128)
	src, _ := net.ParseMAC("02:00:00:00:00:01")
	dst, _ := net.ParseMAC("02:00:00:00:00:02")

	n := buildUDPPacket(buf, src, dst,
		net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 9000, 9001, 7, 100)
	require.Equal(t, uint32(100), n)

	assert.Equal(t, []byte(dst), buf[0:6])
	assert.Equal(t, []byte(src), buf[6:12])
	assert.Equal(t, uint16(0x0800), binary.BigEndian.Uint16(buf[12:]))

	ip := buf[ethLen : ethLen+ipLen]
	assert.Equal(t, uint16(100-ethLen), binary.BigEndian.Uint16(ip[2:]))
	assert.Zero(t, ipChecksum(ip), "header checksum verifies")

	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(buf[seqOffset:]))

	// Too small frames are padded to hold the sequence number.
	assert.Equal(t, uint32(seqOffset+4), buildUDPPacket(buf, src, dst,
		net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 1, 2, 0, 10))
}

func TestReceiver(t *testing.T) {
	var st Stats
	h := receiver(&st)

	frame := make([]byte, 64)
	for _, seq := range []uint32{0, 1, 3, 2, 4} {
		binary.BigEndian.PutUint32(frame[seqOffset:], seq)
		h(&e1000.Packet{Buf: frame, Len: 64})
	}
	h(&e1000.Packet{Buf: frame[:10], Len: 10})

	assert.Equal(t, uint64(6), st.RxPackets.Load())
	assert.Equal(t, uint64(5*64+10), st.RxBytes.Load())
	assert.Equal(t, uint64(1), st.Reordered.Load())
}

func TestRunGenerator(t *testing.T) {
	var conf Config
	conf.Traffic.SrcMAC = "02:00:00:00:00:01"
	conf.Traffic.DestMAC = "02:00:00:00:00:02"
	conf.Traffic.SrcIP = "10.0.0.1"
	conf.Traffic.DstIP = "10.0.0.2"
	conf.Traffic.SrcPort, conf.Traffic.DstPort = 1, 2
	conf.MTU = 64
	conf.Count = 500

	var st Stats
	nic := sim.New(deviceName, test.NewLogger())
	dev, err := e1000.Attach(nic, e1000.Config{
		RingSize: 8,
		Handler:  receiver(&st),
		Logger:   test.NewLogger(),
		Registry: metrics.NewRegistry(),
	})
	require.NoError(t, err)

	require.NoError(t, runGenerator(context.Background(), &conf, nic, &st))
	dev.Flush()
	dev.Detach()

	assert.Equal(t, uint64(500), st.Offered.Load())
	assert.Equal(t, st.Offered.Load(), st.RxPackets.Load()+st.Overruns.Load())
	assert.Zero(t, st.Reordered.Load())
	assert.Positive(t, st.Elapsed.Load())
}
