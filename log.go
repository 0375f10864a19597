package binlog

import "github.com/juju/loggo"

var (
	streamLogger   = loggo.GetLogger("binlog.stream")
	pipelineLogger = loggo.GetLogger("binlog.pipeline")
	txLogger       = loggo.GetLogger("binlog.tx")
	fileLogger     = loggo.GetLogger("binlog.driver.file")
	tcpLogger      = loggo.GetLogger("binlog.driver.tcp")
)
