/*
Package writer provides a buffered io.Writer that never blocks its caller.

Code running on the main loop must not wait on a terminal, pipe or file. A
Writer accepts data into a bounded in-memory buffer and a background
goroutine hands it to the underlying writer, retrying failed writes.

	out := writer.New(os.Stdout)
	defer out.Close()

	fmt.Fprintln(out, "speak hello")

When the buffer cannot take a write, Write refuses it whole with
errors.ErrCapacityExceeded and counts an overflow instead of waiting. Flush
waits for everything written so far; Close flushes and stops the goroutine.
*/
package writer
