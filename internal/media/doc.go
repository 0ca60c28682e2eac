// Package media implements the enhancement pipeline stages. Frames are
// extracted with ffmpeg into a per-job workspace, classified frame by frame,
// enhanced or copied into a parallel directory, and reassembled into the
// output container with the original audio track.
package media
