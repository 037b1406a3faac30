package config

import (
	"reflect"
	"testing"

	arg "github.com/alexflint/go-arg"
)

func TestNormalizeFlags(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"hyphenated", []string{"--batch-size", "4"}, []string{"--batch-size", "4"}},
		{"underscored", []string{"--batch_size", "4"}, []string{"--batch-size", "4"}},
		{"inline value", []string{"--run_tag=my_run"}, []string{"--run-tag=my_run"}},
		{"values untouched", []string{"--data_path", "/data/five_k"}, []string{"--data-path", "/data/five_k"}},
		{"after terminator", []string{"--", "--cuda_idx"}, []string{"--", "--cuda_idx"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeFlags(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseArgs(t *testing.T) {
	t.Run("both spellings", func(t *testing.T) {
		args, _, err := ParseArgs([]string{
			"--batch_size", "4", "--run_tag=exp_1", "--checkpoint-every", "5",
			"--manual_seed", "7", "--cuda", "--join_policy", "zip",
		})
		if err != nil {
			t.Fatalf("ParseArgs: %v", err)
		}
		if args.BatchSize != 4 || args.RunTag != "exp_1" || args.CheckpointEvery != 5 ||
			args.ManualSeed != 7 || !args.CUDA || args.JoinPolicy != "zip" {
			t.Errorf("unexpected args %+v", args)
		}
		if args.Epochs != DefaultArgs().Epochs {
			t.Errorf("unset flag lost its default: epochs=%d", args.Epochs)
		}
	})

	t.Run("help", func(t *testing.T) {
		_, p, err := ParseArgs([]string{"--help"})
		if err != arg.ErrHelp || p == nil {
			t.Errorf("expected ErrHelp with a parser, got %v, %v", err, p)
		}
	})

	t.Run("unknown flag", func(t *testing.T) {
		if _, _, err := ParseArgs([]string{"--no_such_flag"}); err == nil {
			t.Error("expected an error")
		}
	})
}
