// Package auth hashes secret passwords and issues caller tokens.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/text/unicode/norm"
)

const maxPasswordLength = 1024

var (
	ErrNotStarted      = errors.New("hasher not started - call Start() first")
	ErrShuttingDown    = errors.New("hasher is shutting down")
	ErrPasswordTooLong = errors.New("password too long")
)

// dummyHash is verified against when the stored hash is unusable, so the
// caller cannot time the difference.
const dummyHash = "$argon2id$v=19$m=65536,t=1,p=1$ZHVtbXlzYWx0$ZHVtbXloYXNo"

// Hasher derives argon2id password hashes with an HMAC pepper. Work runs on
// a fixed pool of workers so a burst of requests cannot pin every CPU.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	minVerify   time.Duration
	pepper      []byte
	mu          sync.RWMutex
	jobQueue    chan hashJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}
type hashJob struct {
	password string
	encoded  string
	verify   bool
	resp     chan hashResult
}
type hashResult struct {
	hash  string
	match bool
	err   error
}
type HasherOption func(*Hasher)

// WithMinVerifyDuration sets the floor on Verify latency. Default 350ms.
func WithMinVerifyDuration(d time.Duration) HasherOption {
	return func(h *Hasher) { h.minVerify = d }
}
func WithKeyLength(n uint32) HasherOption {
	return func(h *Hasher) { h.keyLength = n }
}
func NewHasher(iterations, memory uint32, parallelism uint8, pepper []byte, opts ...HasherOption) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if iterations == 0 || iterations > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	h := &Hasher{
		iterations:  iterations,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		minVerify:   350 * time.Millisecond,
		pepper:      pepperCopy,
		jobQueue:    make(chan hashJob, 1024),
		quit:        make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}
func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}
func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			var res hashResult
			if job.verify {
				res.match = h.verifyInternal(job.password, job.encoded)
			} else {
				res.hash, res.err = h.doHash(job.password)
			}
			job.resp <- res
		case <-h.quit:
			return
		}
	}
}
func (h *Hasher) submit(ctx context.Context, job hashJob) (hashResult, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return hashResult{}, ErrNotStarted
	}
	job.resp = make(chan hashResult, 1)
	select {
	case h.jobQueue <- job:
	case <-ctx.Done():
		return hashResult{}, errors.Wrap(ctx.Err(), "hash queue full")
	case <-h.quit:
		return hashResult{}, ErrShuttingDown
	}
	select {
	case res := <-job.resp:
		return res, nil
	case <-ctx.Done():
		return hashResult{}, errors.Wrap(ctx.Err(), "hash timeout")
	case <-h.quit:
		return hashResult{}, ErrShuttingDown
	}
}

// Hash returns the encoded argon2id hash of the NFC-normalised password.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	password = norm.NFC.String(password)
	if len(password) > maxPasswordLength {
		return "", ErrPasswordTooLong
	}
	res, err := h.submit(ctx, hashJob{password: password})
	if err != nil {
		return "", err
	}
	return res.hash, res.err
}

// Verify reports whether password matches encoded. It never returns
// faster than the configured floor, whatever the outcome.
func (h *Hasher) Verify(ctx context.Context, password, encoded string) (bool, error) {
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed < h.minVerify {
			time.Sleep(h.minVerify - elapsed)
		}
	}()
	password = norm.NFC.String(password)
	job := hashJob{password: password, encoded: encoded, verify: true}
	if len(password) > maxPasswordLength {
		job.password = strings.Repeat("x", maxPasswordLength)
		job.encoded = dummyHash
		_, err := h.submit(ctx, job)
		return false, err
	}
	res, err := h.submit(ctx, job)
	if err != nil {
		return false, err
	}
	return res.match, nil
}
func (h *Hasher) doHash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrShuttingDown
	}
	defer wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// verifyInternal always runs one argon2 derivation, with placeholder
// parameters when encoded is malformed.
func (h *Hasher) verifyInternal(pwd, encoded string) bool {
	var mem, iters uint32 = h.memory, h.iterations
	var threads uint8 = h.parallelism
	var salt, hash []byte
	valid := true
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		valid = false
	} else if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil ||
		mem > 2*1024*1024 || iters > 1000 || threads == 0 || threads > 128 {
		valid = false
		mem, iters, threads = h.memory, h.iterations, h.parallelism
	} else {
		var err error
		if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(salt) == 0 {
			valid = false
			salt = nil
		}
		if hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(hash) == 0 || len(hash) > 256 {
			valid = false
			hash = nil
		}
	}
	if salt == nil {
		salt = make([]byte, 16)
	}
	if hash == nil {
		hash = make([]byte, 32)
	}
	defer wipe(hash)
	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false
	}
	defer wipe(peppered)
	other := argon2.IDKey(peppered, salt, iters, mem, threads, uint32(len(hash)))
	defer wipe(other)
	return subtle.ConstantTimeCompare(hash, other) == 1 && valid
}
func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
