package cloudview_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
	"github.com/gobeaver/cloudview/driver/memory"
)

func benchNamespace(b *testing.B, folders, files int) (*cloudview.Namespace, *cloudview.Server) {
	b.Helper()
	ns := cloudview.NewNamespace(cloudview.WithLogger(zap.NewNop()))
	b.Cleanup(func() { ns.Close() })
	mem, err := memory.New()
	if err != nil {
		b.Fatal(err)
	}
	for d := range folders {
		for f := range files {
			if _, err := mem.Put(fmt.Sprintf("d%03d/f%03d.txt", d, f), []byte("x")); err != nil {
				b.Fatal(err)
			}
		}
	}
	s, err := ns.AddServer("mem", "memory", mem)
	if err != nil {
		b.Fatal(err)
	}
	return ns, s
}

func BenchmarkResolve(b *testing.B) {
	ctx := context.Background()
	ns, _ := benchNamespace(b, 20, 50)
	const url = "mem://d010/f025.txt"
	if _, err := ns.Resolve(ctx, url, cloudview.UseCache); err != nil {
		b.Fatal(err)
	}

	b.Run("memoized", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := ns.Resolve(ctx, url, cloudview.UseCache); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("walk", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			// A new spelling each round misses the memo.
			u := fmt.Sprintf("mem://d010/%sf025.txt", strings.Repeat("./", i%64))
			if _, err := ns.Resolve(ctx, u, cloudview.UseCache); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkLoadItems(b *testing.B) {
	ctx := context.Background()
	_, s := benchNamespace(b, 20, 50)
	root, err := s.Root(ctx)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < b.N; i++ {
		if err := s.LoadItems(ctx, root.ID(), 1, true); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkChecksum(b *testing.B) {
	data := bytes.Repeat([]byte("cloudview"), 1<<17)
	algs := []cloudview.ChecksumAlgorithm{
		cloudview.ChecksumMD5,
		cloudview.ChecksumSHA256,
		cloudview.ChecksumCRC32,
		cloudview.ChecksumXXHash,
		cloudview.ChecksumBLAKE3,
	}
	for _, alg := range algs {
		b.Run(string(alg), func(b *testing.B) {
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				if _, err := cloudview.CalculateChecksum(bytes.NewReader(data), alg); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkUpload(b *testing.B) {
	ctx := context.Background()
	_, s := benchNamespace(b, 0, 0)
	root, err := s.Root(ctx)
	if err != nil {
		b.Fatal(err)
	}
	content := strings.Repeat("Hello, World! ", 100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		j, err := s.Upload(root, fmt.Sprintf("f%d.txt", i), int64(len(content)), cloudview.FromReader(strings.NewReader(content)), nil)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := j.Await(ctx); err != nil {
			b.Fatal(err)
		}
		j.Release()
	}
}
