package rpc

import (
	"bufio"
	"container/ring"
	"os"
)

// tailFile reads up to n trailing lines from path, used by
// worker.logs_tail (a SPEC_FULL.md supplement over the base protocol).
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	buf := ring.New(n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		buf.Value = scanner.Text()
		buf = buf.Next()
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, n)
	buf.Do(func(v any) {
		if v != nil {
			out = append(out, v.(string))
		}
	})
	return out, nil
}
