// Package s3test provides an in-process, path-style S3 endpoint covering the
// calls the runner makes: bucket head/create, object put/get/head and
// ListObjectsV2.
package s3test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

type Object struct {
	Data     []byte
	Metadata map[string]string
	Modified time.Time
}

// Request is a recorded incoming call.
type Request struct {
	Method    string
	Bucket    string
	Key       string
	RawPath   string
	UserAgent string
	Header    http.Header
}

type Server struct {
	*httptest.Server

	mu        sync.Mutex
	buckets   map[string]map[string]*Object
	requests  []Request
	rejectSDK bool
	accessKey string
	secretKey string
}

type Option func(*Server)

// WithRejectSDK answers every request from the AWS SDK with 403
// SignatureDoesNotMatch, as some S3-compatible providers do.
func WithRejectSDK() Option {
	return func(s *Server) { s.rejectSDK = true }
}

// WithCredentials requires every request to carry a valid SigV4 signature
// for the given key pair.
func WithCredentials(accessKey, secretKey string) Option {
	return func(s *Server) {
		s.accessKey = accessKey
		s.secretKey = secretKey
	}
}

func New(opts ...Option) *Server {
	s := &Server{buckets: map[string]map[string]*Object{}}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *Server) CreateBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = map[string]*Object{}
	}
}

func (s *Server) HasBucket(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok
}

func (s *Server) PutObject(bucket, key string, data []byte) {
	s.CreateBucket(bucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucket][key] = &Object{Data: data, Metadata: map[string]string{}, Modified: time.Now().UTC()}
}

func (s *Server) Object(bucket, key string) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs, ok := s.buckets[bucket]
	if !ok {
		return nil, false
	}
	obj, ok := objs[key]
	return obj, ok
}

func (s *Server) DeleteObject(bucket, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if objs, ok := s.buckets[bucket]; ok {
		delete(objs, key)
	}
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) SetRejectSDK(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSDK = reject
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:    r.Method,
		Bucket:    bucket,
		Key:       key,
		RawPath:   r.URL.EscapedPath(),
		UserAgent: r.UserAgent(),
		Header:    r.Header.Clone(),
	})
	reject := s.rejectSDK && strings.Contains(r.UserAgent(), "aws-sdk-go-v2")
	s.mu.Unlock()

	if reject {
		writeError(w, r, http.StatusForbidden, "SignatureDoesNotMatch",
			"The request signature we calculated does not match the signature you provided.")
		return
	}
	if code, ok := s.authorized(r); !ok {
		writeError(w, r, http.StatusForbidden, code, "The request could not be authenticated.")
		return
	}

	switch {
	case bucket == "":
		writeError(w, r, http.StatusBadRequest, "InvalidRequest", "bucket required")
	case key == "" && r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		s.list(w, r, bucket)
	case key == "":
		s.bucket(w, r, bucket)
	default:
		s.object(w, r, bucket, key)
	}
}

type authorization struct {
	accessKey     string
	region        string
	service       string
	signedHeaders []string
	signature     string
}

func parseAuthorization(v string) (authorization, bool) {
	rest, ok := strings.CutPrefix(v, "AWS4-HMAC-SHA256 ")
	if !ok {
		return authorization{}, false
	}
	var a authorization
	for _, part := range strings.Split(rest, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch name {
		case "Credential":
			scope := strings.Split(value, "/")
			if len(scope) != 5 {
				return authorization{}, false
			}
			a.accessKey, a.region, a.service = scope[0], scope[2], scope[3]
		case "SignedHeaders":
			a.signedHeaders = strings.Split(value, ";")
		case "Signature":
			a.signature = value
		}
	}
	return a, a.accessKey != "" && a.signature != ""
}

// authorized recomputes the SigV4 signature from the request as received
// and returns the S3 error code on mismatch.
func (s *Server) authorized(r *http.Request) (string, bool) {
	if s.accessKey == "" {
		return "", true
	}
	auth, ok := parseAuthorization(r.Header.Get("Authorization"))
	if !ok || auth.accessKey != s.accessKey {
		return "InvalidAccessKeyId", false
	}
	if s.secretKey == "" {
		return "", true
	}
	signedAt, err := time.Parse("20060102T150405Z", r.Header.Get("X-Amz-Date"))
	if err != nil {
		return "AccessDenied", false
	}

	clone := &http.Request{
		Method: r.Method,
		URL: &url.URL{
			Scheme:   "http",
			Host:     r.Host,
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		},
		Host:   r.Host,
		Header: http.Header{},
	}
	for _, name := range auth.signedHeaders {
		switch name {
		case "host":
		case "content-length":
			clone.ContentLength = r.ContentLength
		default:
			if vals := r.Header.Values(name); len(vals) > 0 {
				clone.Header[http.CanonicalHeaderKey(name)] = vals
			}
		}
	}

	signer := v4.NewSigner(func(o *v4.SignerOptions) { o.DisableURIPathEscaping = true })
	creds := aws.Credentials{AccessKeyID: s.accessKey, SecretAccessKey: s.secretKey}
	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if err := signer.SignHTTP(context.Background(), creds, clone, payloadHash, auth.service, auth.region, signedAt); err != nil {
		return "AccessDenied", false
	}

	want, _ := parseAuthorization(clone.Header.Get("Authorization"))
	if !hmac.Equal([]byte(want.signature), []byte(auth.signature)) {
		return "SignatureDoesNotMatch", false
	}
	return "", true
}

func (s *Server) bucket(w http.ResponseWriter, r *http.Request, bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.buckets[bucket]

	switch r.Method {
	case http.MethodHead:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		_, _ = io.Copy(io.Discard, r.Body)
		if exists {
			writeError(w, r, http.StatusConflict, "BucketAlreadyOwnedByYou",
				"Your previous request to create the named bucket succeeded and you already own it.")
			return
		}
		s.buckets[bucket] = map[string]*Object{}
		w.Header().Set("Location", "/"+bucket)
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (s *Server) object(w http.ResponseWriter, r *http.Request, bucket, key string) {
	s.mu.Lock()
	objs, exists := s.buckets[bucket]
	s.mu.Unlock()
	if !exists {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist")
		return
	}

	switch r.Method {
	case http.MethodPut:
		data, err := readBody(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "IncompleteBody", err.Error())
			return
		}
		if want := r.Header.Get("X-Amz-Content-Sha256"); isSHA256Hex(want) {
			if sum := sha256.Sum256(data); hex.EncodeToString(sum[:]) != want {
				writeError(w, r, http.StatusBadRequest, "XAmzContentSHA256Mismatch",
					"The provided 'x-amz-content-sha256' header does not match what was computed.")
				return
			}
		}
		meta := map[string]string{}
		for name, vals := range r.Header {
			if lower := strings.ToLower(name); strings.HasPrefix(lower, "x-amz-meta-") && len(vals) > 0 {
				meta[strings.TrimPrefix(lower, "x-amz-meta-")] = vals[0]
			}
		}
		obj := &Object{Data: data, Metadata: meta, Modified: time.Now().UTC()}

		s.mu.Lock()
		objs[key] = obj
		s.mu.Unlock()

		w.Header().Set("ETag", etag(data))
		w.WriteHeader(http.StatusOK)

	case http.MethodGet, http.MethodHead:
		s.mu.Lock()
		obj, ok := objs[key]
		s.mu.Unlock()
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
			return
		}
		serveObject(w, r, obj)

	default:
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func serveObject(w http.ResponseWriter, r *http.Request, obj *Object) {
	h := w.Header()
	h.Set("ETag", etag(obj.Data))
	h.Set("Last-Modified", obj.Modified.Format(http.TimeFormat))
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Accept-Ranges", "bytes")
	for k, v := range obj.Metadata {
		h.Set("X-Amz-Meta-"+k, v)
	}

	data := obj.Data
	status := http.StatusOK
	total := int64(len(obj.Data))

	if rng := r.Header.Get("Range"); rng != "" && r.Method == http.MethodGet {
		start, end, ok := parseRange(rng, total)
		if !ok {
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
			writeError(w, r, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range is not satisfiable")
			return
		}
		data = obj.Data[start : end+1]
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	}

	h.Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

// parseRange handles the single "bytes=a-b" / "bytes=a-" form.
func parseRange(header string, total int64) (int64, int64, bool) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || total == 0 {
		return 0, 0, false
	}
	from, to, _ := strings.Cut(spec, "-")
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start >= total {
		return 0, 0, false
	}
	end := total - 1
	if to != "" {
		if end, err = strconv.ParseInt(to, 10, 64); err != nil || end < start {
			return 0, 0, false
		}
		if end >= total {
			end = total - 1
		}
	}
	return start, end, true
}

type listResult struct {
	XMLName     xml.Name      `xml:"ListBucketResult"`
	Xmlns       string        `xml:"xmlns,attr"`
	Name        string        `xml:"Name"`
	Prefix      string        `xml:"Prefix"`
	KeyCount    int           `xml:"KeyCount"`
	MaxKeys     int           `xml:"MaxKeys"`
	IsTruncated bool          `xml:"IsTruncated"`
	Contents    []listContent `xml:"Contents"`
}

type listContent struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, bucket string) {
	prefix := r.URL.Query().Get("prefix")

	s.mu.Lock()
	objs, exists := s.buckets[bucket]
	result := listResult{Xmlns: "http://s3.amazonaws.com/doc/2006-03-01/", Name: bucket, Prefix: prefix, MaxKeys: 1000}
	for key, obj := range objs {
		if strings.HasPrefix(key, prefix) {
			result.Contents = append(result.Contents, listContent{
				Key:          key,
				LastModified: obj.Modified.Format(time.RFC3339),
				ETag:         etag(obj.Data),
				Size:         int64(len(obj.Data)),
				StorageClass: "STANDARD",
			})
		}
	}
	s.mu.Unlock()

	if !exists {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist")
		return
	}

	sort.Slice(result.Contents, func(i, j int) bool { return result.Contents[i].Key < result.Contents[j].Key })
	result.KeyCount = len(result.Contents)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(result)
}

type errorDoc struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(errorDoc{Code: code, Message: message, Resource: r.URL.Path})
}

// readBody decodes aws-chunked uploads and returns plain bodies as is.
func readBody(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}

	var out bytes.Buffer
	br := bufio.NewReader(r.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size: %w", err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, fmt.Errorf("read chunk: %w", err)
		}
		if _, err := br.Discard(2); err != nil {
			return nil, fmt.Errorf("read chunk trailer: %w", err)
		}
	}
}

func isSHA256Hex(v string) bool {
	if len(v) != 64 {
		return false
	}
	_, err := hex.DecodeString(v)
	return err == nil
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
