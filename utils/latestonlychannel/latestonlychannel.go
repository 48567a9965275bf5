package latestonlychannel

// Wrap creates a channel pipe that keeps the input channel from ever
// backing up: it holds no queue, and when the consumer is slower than the
// producer, older values are discarded so only the newest one is
// delivered. The input channel must be closed to release the internal
// goroutine.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
	MainLoop:
		for {
			latestData, ok := <-inputCh
			if !ok {
				break MainLoop
			}

		SendLoop:
			for {
				select {
				case outputCh <- latestData:
					// Delivered; go back to blocking on the input so we
					// never emit more values than were actually received.
					break SendLoop
				case updatedData, ok := <-inputCh:
					if !ok {
						break MainLoop
					}

					latestData = updatedData
				}
			}
		}

		close(outputCh)
	}()

	return outputCh
}
