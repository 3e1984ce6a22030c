package flash

import "os"

// Opener abstracts raw access to the flash target so the write path
// can be exercised against regular files. OpenForWrite must take
// exclusive ownership of the target; OpenForVerify must return a
// handle whose reads reflect what is on the media, not cached pages
// from the preceding write.
type Opener interface {
	OpenForWrite(path string) (*os.File, error)
	OpenForVerify(path string) (*os.File, error)
}
