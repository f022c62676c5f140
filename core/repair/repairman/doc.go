// Package repairman rebuilds a damaged database into a new one.
//
// Three workers share one pipeline: open the damaged database through the
// pager, decode what survives, and feed it to an assemble.Assembler.
//
//   - Repairman trusts sqlite_master and crawls every table from its root.
//   - Mechanic starts from a backup material. Tables whose recorded pages
//     are unchanged are read straight from those pages; the rest are
//     crawled from their root.
//   - FullCrawler crawls what sqlite_master still describes, then scans
//     every page nobody reached and salvages orphaned leaf pages into
//     lost_and_found tables.
//
// Every worker reports a score in [0,1] estimating the share of the
// database it recovered, and the corruption it ran into, once per page.
package repairman
