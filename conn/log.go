package conn

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/yafatek/mxp-protocol/packet"
)

// Event type strings, adapted from the teacher's qlog event names
// (https://quiclog.github.io/internet-drafts/draft-marx-qlog-event-definitions-quic-h3.html)
// to MXP's own packet/frame vocabulary.
const (
	logEventPacketSent      = "packet_sent"
	logEventPacketReceived  = "packet_received"
	logEventPacketDropped   = "packet_dropped"
	logEventFramesProcessed = "frames_processed"
	logEventKeyRotation     = "key_rotation"
)

// LogEvent is one structured trace record a Conn emits through its
// OnLogEvent callback, mirroring the teacher's transport.LogEvent.
type LogEvent struct {
	Time   time.Time
	Type   string
	Fields []LogField
}

func newLogEvent(tp string) LogEvent {
	return LogEvent{Time: time.Now(), Type: tp, Fields: make([]LogField, 0, 8)}
}

func (e *LogEvent) addField(k string, v interface{}) {
	e.Fields = append(e.Fields, newLogField(k, v))
}

func (e LogEvent) String() string {
	buf := bytes.Buffer{}
	buf.WriteString(e.Time.Format(time.RFC3339))
	buf.WriteString(" ")
	buf.WriteString(e.Type)
	for _, f := range e.Fields {
		buf.WriteString(" ")
		buf.WriteString(f.String())
	}
	return buf.String()
}

// LogField is a single key/value pair within a LogEvent.
type LogField struct {
	Key string
	Str string
	Num uint64
}

func newLogField(key string, val interface{}) LogField {
	f := LogField{Key: key}
	switch v := val.(type) {
	case int:
		f.Num = uint64(v)
	case int8:
		f.Num = uint64(v)
	case int16:
		f.Num = uint64(v)
	case int32:
		f.Num = uint64(v)
	case int64:
		f.Num = uint64(v)
	case uint:
		f.Num = uint64(v)
	case uint8:
		f.Num = uint64(v)
	case uint16:
		f.Num = uint64(v)
	case uint32:
		f.Num = uint64(v)
	case uint64:
		f.Num = v
	case bool:
		f.Str = strconv.FormatBool(v)
	case string:
		f.Str = v
	case []byte:
		f.Str = hex.EncodeToString(v)
	default:
		panic("conn: unsupported log field type")
	}
	return f
}

func (f LogField) String() string {
	if f.Str == "" {
		return fmt.Sprintf("%s=%d", f.Key, f.Num)
	}
	return fmt.Sprintf("%s=%s", f.Key, f.Str)
}

func newLogEventPacket(tp string, connID packet.ConnID, pn uint64, flags packet.Flags, payloadLen int) LogEvent {
	e := newLogEvent(tp)
	e.addField("conn_id", uint64(connID))
	e.addField("packet_number", pn)
	e.addField("flags", uint8(flags))
	e.addField("payload_length", payloadLen)
	return e
}

func newLogEventDropped(reason string) LogEvent {
	e := newLogEvent(logEventPacketDropped)
	e.addField("reason", reason)
	return e
}

func logFrame(e *LogEvent, f Frame) {
	switch fr := f.(type) {
	case PingFrame:
		e.addField("frame_type", "ping")
	case HandshakeFrame:
		e.addField("frame_type", "handshake")
		e.addField("length", len(fr.Data))
	case AckFrame:
		e.addField("frame_type", "ack")
		e.addField("ack_delay_us", fr.AckDelayMicros)
		e.addField("range_count", len(fr.RangeStarts))
	case StreamFrame:
		e.addField("frame_type", "stream")
		e.addField("stream_id", uint64(fr.StreamID))
		e.addField("offset", fr.Offset)
		e.addField("length", len(fr.Data))
		e.addField("fin", fr.Fin)
	case ResetStreamFrame:
		e.addField("frame_type", "reset_stream")
		e.addField("stream_id", uint64(fr.StreamID))
		e.addField("error_code", fr.ErrorCode)
		e.addField("final_size", fr.FinalSize)
	case MaxDataFrame:
		e.addField("frame_type", "max_data")
		e.addField("maximum", fr.MaximumData)
	case MaxStreamDataFrame:
		e.addField("frame_type", "max_stream_data")
		e.addField("stream_id", uint64(fr.StreamID))
		e.addField("maximum", fr.MaximumData)
	case DatagramFrame:
		e.addField("frame_type", "datagram")
		e.addField("length", len(fr.Data))
	case HandshakeDoneFrame:
		e.addField("frame_type", "handshake_done")
	case CloseFrame:
		e.addField("frame_type", "connection_close")
		e.addField("error_code", fr.ErrorCode)
		e.addField("reason", fr.Reason)
	}
}
