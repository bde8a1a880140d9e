package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"

	"github.com/danmuck/objrpc/internal/protocol"
)

// Stream holds the options shared by stream-oriented endpoints.
type Stream struct {
	Host       string
	Port       int32
	TimeoutMs  int32
	Compressed bool
}

func (s Stream) format(proto string) string {
	var b strings.Builder
	b.WriteString(proto)
	fmt.Fprintf(&b, " -h %s -p %d", quoteArg(s.Host), s.Port)
	if s.TimeoutMs != InfiniteTimeout {
		fmt.Fprintf(&b, " -t %d", s.TimeoutMs)
	}
	if s.Compressed {
		b.WriteString(" -z")
	}
	return b.String()
}

func (s Stream) address() string {
	return joinHostPort(s.Host, s.Port)
}

func (s Stream) marshal(out *protocol.OutputStream) {
	out.WriteString(s.Host)
	out.WriteInt32(s.Port)
	out.WriteInt32(s.TimeoutMs)
	out.WriteBool(s.Compressed)
}

func readStream(in *protocol.InputStream) (Stream, error) {
	var s Stream
	var err error
	if s.Host, err = in.ReadString(); err != nil {
		return s, err
	}
	if s.Port, err = in.ReadInt32(); err != nil {
		return s, err
	}
	if s.TimeoutMs, err = in.ReadInt32(); err != nil {
		return s, err
	}
	s.Compressed, err = in.ReadBool()
	return s, err
}

// extraOption handles a protocol-specific option; it reports whether the
// option was recognized.
type extraOption func(opt byte, arg string, hasArg bool) (bool, error)

// parseStream parses "-h host -p port -t timeout -z" plus any options
// accepted by extra. A missing or "*" host takes defaultHost.
func parseStream(args, defaultHost string, extra extraOption) (Stream, error) {
	s := Stream{TimeoutMs: InfiniteTimeout}
	fields, err := splitArgs(args)
	if err != nil {
		return s, err
	}
	for i := 0; i < len(fields); {
		opt := fields[i]
		i++
		if len(opt) != 2 || opt[0] != '-' {
			return s, fmt.Errorf("unexpected token %q", opt)
		}
		arg, hasArg := "", false
		if i < len(fields) && !strings.HasPrefix(fields[i], "-") {
			arg, hasArg = fields[i], true
			i++
		}
		switch opt[1] {
		case 'h':
			if !hasArg {
				return s, fmt.Errorf("no argument for -h")
			}
			s.Host = arg
		case 'p':
			if !hasArg {
				return s, fmt.Errorf("no argument for -p")
			}
			port, err := strconv.ParseInt(arg, 10, 32)
			if err != nil || port < 0 || port > 65535 {
				return s, fmt.Errorf("invalid port %q", arg)
			}
			s.Port = int32(port)
		case 't':
			if !hasArg && i < len(fields) && fields[i] == "-1" {
				arg, hasArg = fields[i], true
				i++
			}
			if !hasArg {
				return s, fmt.Errorf("no argument for -t")
			}
			ms, err := parseTimeout(arg)
			if err != nil {
				return s, err
			}
			s.TimeoutMs = ms
		case 'z':
			if hasArg {
				return s, fmt.Errorf("unexpected argument %q for -z", arg)
			}
			s.Compressed = true
		default:
			if extra == nil {
				return s, fmt.Errorf("unknown option %q", opt)
			}
			ok, err := extra(opt[1], arg, hasArg)
			if err != nil {
				return s, err
			}
			if !ok {
				return s, fmt.Errorf("unknown option %q", opt)
			}
		}
	}
	if s.Host == "" || s.Host == "*" {
		s.Host = defaultHost
	}
	return s, nil
}

func parseTimeout(arg string) (int32, error) {
	if arg == "infinite" {
		return InfiniteTimeout, nil
	}
	ms, err := strconv.ParseInt(arg, 10, 32)
	if err != nil || (ms < 1 && ms != int64(InfiniteTimeout)) {
		return 0, fmt.Errorf("invalid timeout %q", arg)
	}
	return int32(ms), nil
}

// quoteArg quotes an option argument holding a list separator or
// whitespace so that its text form parses back to the same value.
func quoteArg(arg string) string {
	if strings.ContainsAny(arg, ": \t\n\r") {
		return `"` + arg + `"`
	}
	return arg
}

// splitArgs splits option text on whitespace. A double-quoted run is part
// of one argument and loses its quotes.
func splitArgs(args string) ([]string, error) {
	var out []string
	var cur strings.Builder
	inArg, quoted := false, false
	for _, r := range args {
		switch {
		case r == '"':
			quoted = !quoted
			inArg = true
		case !quoted && unicode.IsSpace(r):
			if inArg {
				out = append(out, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote in %q", args)
	}
	if inArg {
		out = append(out, cur.String())
	}
	return out, nil
}

// splitList splits an endpoint list on ':' outside double quotes.
func splitList(str string) ([]string, error) {
	var out []string
	start, quoted := 0, false
	for i := 0; i < len(str); i++ {
		switch str[i] {
		case '"':
			quoted = !quoted
		case ':':
			if !quoted {
				out = append(out, str[start:i])
				start = i + 1
			}
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote")
	}
	return append(out, str[start:]), nil
}

func joinHostPort(host string, port int32) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
