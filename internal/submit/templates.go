package submit

import "text/template"

// HTCondor submit description for one batch window. The window index comes
// in via the splice's per-node VARS line, so each DAG node runs one proc and
// DAGMan retries only the window that failed.
var batchSubTmpl = template.Must(template.New("batch.sub").Parse(`universe = vanilla
executable = {{.TaskDir}}/run_batch.sh
arguments = $(JOB_INDEX)
output = {{.TaskDir}}/logs/job_$(JOB_INDEX).out
error = {{.TaskDir}}/logs/job_$(JOB_INDEX).err
log = {{.TaskDir}}/logs/job_$(JOB_INDEX).log
+JobFlavour = "{{.JobFlavor}}"
transfer_input_files = {{.Tarball}}
should_transfer_files = YES
when_to_transfer_output = ON_EXIT
queue
`))

// Wrapper script each batch job runs: unpack the shipped code and invoke
// the analyzer for one window. The submit-time event budget is forwarded
// so every worker resolves the same partition the plan was computed from.
var runScriptTmpl = template.Must(template.New("run_batch.sh").Parse(`#!/bin/sh
set -e
JOB_INDEX="$1"
tar xzf {{.TarballName}}
./tpg-analyzer run \
  -f {{.ConfigName}} \
  -c {{.Collection}} \
  -s {{.Sample}} \
  -n {{.MaxEvents}} \
  -o {{.OutputDir}} \
  -b -r "$JOB_INDEX"
`))

// Merge step: combine the per-job histogram files into one.
var haddSubTmpl = template.Must(template.New("hadd.sub").Parse(`universe = vanilla
executable = {{.TaskDir}}/hadd.sh
output = {{.TaskDir}}/logs/hadd.out
error = {{.TaskDir}}/logs/hadd.err
log = {{.TaskDir}}/logs/hadd.log
+JobFlavour = "longlunch"
queue
`))

var haddScriptTmpl = template.Must(template.New("hadd.sh").Parse(`#!/bin/sh
set -e
cd {{.OutputDir}}
hadd -f {{.OutputBase}}.root {{.OutputBase}}_*.root
`))

var cleanupSubTmpl = template.Must(template.New("cleanup.sub").Parse(`universe = vanilla
executable = {{.TaskDir}}/cleanup.sh
output = {{.TaskDir}}/logs/cleanup.out
error = {{.TaskDir}}/logs/cleanup.err
log = {{.TaskDir}}/logs/cleanup.log
+JobFlavour = "espresso"
queue
`))

var cleanupScriptTmpl = template.Must(template.New("cleanup.sh").Parse(`#!/bin/sh
set -e
cd {{.OutputDir}}
rm -f {{.OutputBase}}_*.root
`))

// Per-sample splice: one node per batch window with its own retry count and
// priority, and the hadd/cleanup chain hanging off all of them.
var spliceTmpl = template.Must(template.New("splice.dag").Parse(`{{range .Jobs}}JOB job_{{.}} {{$.TaskDir}}/batch.sub
VARS job_{{.}} JOB_INDEX="{{.}}"
Retry job_{{.}} 3
{{if $.Priority}}PRIORITY job_{{.}} {{$.Priority}}
{{end}}{{end}}JOB hadd {{.TaskDir}}/hadd.sub
Retry hadd 3
JOB cleanup {{.TaskDir}}/cleanup.sub
PARENT{{range .Jobs}} job_{{.}}{{end}} CHILD hadd
PARENT hadd CHILD cleanup
`))

// Top-level DAG referencing every per-sample splice.
var dagTmpl = template.Must(template.New("dagman.dag").Parse(`{{range .Tasks}}SPLICE {{.Name}} {{.TaskDir}}/splice.dag
{{end}}`))
