/*
Package gnutella implements the transfer side of a Gnutella servent: admission and queueing of
uploads of shared files, and scheduling of downloads that survive restarts.

Simple example:

	cfg := gnutella.NewDefaultConfig()
	cfg.DataDir = "gnutella"
	c, _ := gnutella.NewCore(cfg)
	defer c.Close()
	c.ShareDir("music")
	c.RestoreDownloads(ctx)
	go http.ListenAndServe(":6346", c.UploadHandler)
	c.Run(ctx)
*/
package gnutella
