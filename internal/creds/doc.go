// Package creds resolves authentication artifacts for transfer backends:
// per-user or shared cookie files for download backends, and a rotating
// service-account pool for cloud uploads.
//
// Cookie resolution is a pure lookup with fallback. The service-account pool
// is the single mutation path for account state (last-used ordering, quota
// disablement) and serializes those mutations internally.
package creds
