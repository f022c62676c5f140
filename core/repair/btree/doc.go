// Package btree decodes B-tree pages and table cells of a SQLite database.
//
// A Page wraps one page image and resolves its type lazily. Cells of leaf
// table pages decode their record on Prepare, following overflow chains.
// Every structural violation is a Corrupt error scoped to the page or cell
// it was found on.
package btree
