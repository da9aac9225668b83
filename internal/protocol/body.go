package protocol

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/EternisAI/remote-control/internal/command"
)

// Bodies use the protobuf wire format so fields can be added without a
// version bump; unknown field numbers are skipped on decode.

const (
	helloNonce      protowire.Number = 1
	helloAgentName  protowire.Number = 2
	helloServerTime protowire.Number = 3

	authClientID protowire.Number = 1
	authToken    protowire.Number = 2

	authOKSessionID protowire.Number = 1
	authOKAgentName protowire.Number = 2

	reqKind         protowire.Number = 1
	reqIssuedAt     protowire.Number = 2
	reqApp          protowire.Number = 3
	reqAppArgs      protowire.Number = 4
	reqPath         protowire.Number = 5
	reqDelaySeconds protowire.Number = 6

	resKind        protowire.Number = 1
	resStatus      protowire.Number = 2
	resCompletedAt protowire.Number = 3
	resLaunch      protowire.Number = 4
	resListing     protowire.Number = 5
	resShutdown    protowire.Number = 6
	resError       protowire.Number = 7

	launchPID     protowire.Number = 1
	launchMessage protowire.Number = 2

	listingPath      protowire.Number = 1
	listingEntry     protowire.Number = 2
	listingTruncated protowire.Number = 3

	entryName    protowire.Number = 1
	entryIsDir   protowire.Number = 2
	entrySize    protowire.Number = 3
	entryModTime protowire.Number = 4

	shutdownScheduledAt protowire.Number = 1

	errorCode    protowire.Number = 1
	errorMessage protowire.Number = 2
)

// skipField is returned by a field handler that does not know the field.
const skipField = -1

type fieldHandler func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func consumeFields(b []byte, handle fieldHandler) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformedf("field tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		m, err := handle(num, typ, b)
		if err != nil {
			return err
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return malformedf("field %d: %v", num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, malformedf("field %d: wire type %d, want varint", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, malformedf("field %d: %v", num, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, malformedf("field %d: wire type %d, want bytes", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, malformedf("field %d: %v", num, protowire.ParseError(n))
	}
	return v, n, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func decodeTime(v uint64) time.Time {
	return time.Unix(0, protowire.DecodeZigZag(v)).UTC()
}

func encodeHello(m *Hello) []byte {
	var b []byte
	b = appendString(b, helloNonce, m.Nonce)
	b = appendString(b, helloAgentName, m.AgentName)
	b = appendTime(b, helloServerTime, m.ServerTime)
	return b
}

func decodeHello(b []byte) (*Hello, error) {
	m := &Hello{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case helloNonce, helloAgentName:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			if num == helloNonce {
				m.Nonce = string(v)
			} else {
				m.AgentName = string(v)
			}
			return n, nil
		case helloServerTime:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			m.ServerTime = decodeTime(v)
			return n, nil
		}
		return skipField, nil
	})
	return m, err
}

func encodeAuth(m *Auth) []byte {
	var b []byte
	b = appendString(b, authClientID, m.ClientID)
	b = appendString(b, authToken, m.Token)
	return b
}

func decodeAuth(b []byte) (*Auth, error) {
	m := &Auth{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case authClientID, authToken:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			if num == authClientID {
				m.ClientID = string(v)
			} else {
				m.Token = string(v)
			}
			return n, nil
		}
		return skipField, nil
	})
	return m, err
}

func encodeAuthOK(m *AuthOK) []byte {
	var b []byte
	b = appendString(b, authOKSessionID, m.SessionID)
	b = appendString(b, authOKAgentName, m.AgentName)
	return b
}

func decodeAuthOK(b []byte) (*AuthOK, error) {
	m := &AuthOK{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case authOKSessionID, authOKAgentName:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			if num == authOKSessionID {
				m.SessionID = string(v)
			} else {
				m.AgentName = string(v)
			}
			return n, nil
		}
		return skipField, nil
	})
	return m, err
}

func encodeRequest(m *CommandRequest) []byte {
	var b []byte
	b = appendVarint(b, reqKind, uint64(m.Kind))
	b = appendTime(b, reqIssuedAt, m.IssuedAt)
	b = appendString(b, reqApp, m.Args.App)
	for _, arg := range m.Args.AppArgs {
		b = protowire.AppendTag(b, reqAppArgs, protowire.BytesType)
		b = protowire.AppendString(b, arg)
	}
	b = appendString(b, reqPath, m.Args.Path)
	if m.Args.DelaySeconds != nil {
		b = protowire.AppendTag(b, reqDelaySeconds, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.Args.DelaySeconds))
	}
	return b
}

func decodeRequest(id uint32, b []byte) (*CommandRequest, error) {
	m := &CommandRequest{Request: command.Request{ID: id}}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case reqKind, reqIssuedAt, reqDelaySeconds:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case reqKind:
				if v > 0xff {
					return 0, malformedf("kind %d out of range", v)
				}
				m.Kind = command.Kind(v)
			case reqIssuedAt:
				m.IssuedAt = decodeTime(v)
			default:
				if v > 0xffffffff {
					return 0, malformedf("delay %d out of range", v)
				}
				d := uint32(v)
				m.Args.DelaySeconds = &d
			}
			return n, nil
		case reqApp, reqAppArgs, reqPath:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case reqApp:
				m.Args.App = string(v)
			case reqAppArgs:
				m.Args.AppArgs = append(m.Args.AppArgs, string(v))
			default:
				m.Args.Path = string(v)
			}
			return n, nil
		}
		return skipField, nil
	})
	return m, err
}

func encodeResult(m *CommandResult) []byte {
	var b []byte
	b = appendVarint(b, resKind, uint64(m.Kind))
	b = appendVarint(b, resStatus, uint64(m.Status))
	b = appendTime(b, resCompletedAt, m.CompletedAt)
	if l := m.Launch; l != nil {
		var body []byte
		body = appendVarint(body, launchPID, uint64(l.PID))
		body = appendString(body, launchMessage, l.Message)
		b = appendMessage(b, resLaunch, body)
	}
	if l := m.Listing; l != nil {
		var body []byte
		body = appendString(body, listingPath, l.Path)
		for _, e := range l.Entries {
			var entry []byte
			entry = appendString(entry, entryName, e.Name)
			if e.IsDir {
				entry = appendVarint(entry, entryIsDir, 1)
			}
			entry = appendVarint(entry, entrySize, protowire.EncodeZigZag(e.Size))
			entry = appendTime(entry, entryModTime, e.ModTime)
			body = appendMessage(body, listingEntry, entry)
		}
		if l.Truncated {
			body = appendVarint(body, listingTruncated, 1)
		}
		b = appendMessage(b, resListing, body)
	}
	if s := m.Shutdown; s != nil {
		b = appendMessage(b, resShutdown, appendTime(nil, shutdownScheduledAt, s.ScheduledAt))
	}
	if e := m.Error; e != nil {
		var body []byte
		body = appendVarint(body, errorCode, uint64(e.Code))
		body = appendString(body, errorMessage, e.Message)
		b = appendMessage(b, resError, body)
	}
	return b
}

func decodeResult(id uint32, b []byte) (*CommandResult, error) {
	m := &CommandResult{Result: command.Result{RequestID: id}}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case resKind, resStatus, resCompletedAt:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case resKind:
				if v > 0xff {
					return 0, malformedf("kind %d out of range", v)
				}
				m.Kind = command.Kind(v)
			case resStatus:
				if v > 0xff {
					return 0, malformedf("status %d out of range", v)
				}
				m.Status = command.Status(v)
			default:
				m.CompletedAt = decodeTime(v)
			}
			return n, nil
		case resLaunch:
			body, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			m.Launch, err = decodeLaunch(body)
			return n, err
		case resListing:
			body, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			m.Listing, err = decodeListing(body)
			return n, err
		case resShutdown:
			body, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			m.Shutdown, err = decodeShutdown(body)
			return n, err
		case resError:
			body, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			m.Error, err = decodeErrorDetail(body)
			return n, err
		}
		return skipField, nil
	})
	if err == nil && !m.Status.Valid() {
		err = malformedf("result status %d", m.Status)
	}
	return m, err
}

func decodeLaunch(b []byte) (*command.AppLaunch, error) {
	l := &command.AppLaunch{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case launchPID:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			l.PID = uint32(v)
			return n, nil
		case launchMessage:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			l.Message = string(v)
			return n, nil
		}
		return skipField, nil
	})
	return l, err
}

func decodeListing(b []byte) (*command.DirectoryListing, error) {
	l := &command.DirectoryListing{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case listingPath:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			l.Path = string(v)
			return n, nil
		case listingEntry:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			entry, err := decodeEntry(v)
			if err != nil {
				return 0, err
			}
			l.Entries = append(l.Entries, entry)
			return n, nil
		case listingTruncated:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			l.Truncated = v != 0
			return n, nil
		}
		return skipField, nil
	})
	return l, err
}

func decodeEntry(b []byte) (command.DirEntry, error) {
	var e command.DirEntry
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case entryName:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			e.Name = string(v)
			return n, nil
		case entryIsDir, entrySize, entryModTime:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case entryIsDir:
				e.IsDir = v != 0
			case entrySize:
				e.Size = protowire.DecodeZigZag(v)
			default:
				e.ModTime = decodeTime(v)
			}
			return n, nil
		}
		return skipField, nil
	})
	return e, err
}

func decodeShutdown(b []byte) (*command.ShutdownSchedule, error) {
	s := &command.ShutdownSchedule{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != shutdownScheduledAt {
			return skipField, nil
		}
		v, n, err := consumeVarint(num, typ, b)
		if err != nil {
			return 0, err
		}
		s.ScheduledAt = decodeTime(v)
		return n, nil
	})
	return s, err
}

func decodeErrorDetail(b []byte) (*command.ErrorDetail, error) {
	d := &command.ErrorDetail{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case errorCode:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			d.Code = command.ErrorCode(v)
			return n, nil
		case errorMessage:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			d.Message = string(v)
			return n, nil
		}
		return skipField, nil
	})
	return d, err
}
