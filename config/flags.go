package config

import (
	"strings"

	arg "github.com/alexflint/go-arg"
)

// ParseArgs parses argv, without the program name, over DefaultArgs. Long
// flags may use underscores in place of hyphens, so --batch_size and
// --batch-size are the same flag. The parser is returned for help and usage
// output; it is nil only when Args itself is malformed.
func ParseArgs(argv []string) (Args, *arg.Parser, error) {
	args := DefaultArgs()
	p, err := arg.NewParser(arg.Config{Program: "train"}, &args)
	if err != nil {
		return args, nil, err
	}
	err = p.Parse(normalizeFlags(argv))
	return args, p, err
}

// normalizeFlags rewrites the names of long flags to their hyphenated form.
// Values and everything after a bare "--" are left alone.
func normalizeFlags(argv []string) []string {
	out := make([]string, len(argv))
	copy(out, argv)
	for i, a := range out {
		if a == "--" {
			break
		}
		if !strings.HasPrefix(a, "--") {
			continue
		}
		name, value := a[2:], ""
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name, value = name[:eq], name[eq:]
		}
		out[i] = "--" + strings.ReplaceAll(name, "_", "-") + value
	}
	return out
}
