package gitstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Store Git后端存储
// 每个项目一个普通仓库，文件字节内容只存储在这里，
// 数据库只保留元数据与提交哈希指针
type Store struct {
	baseDir     string
	emailDomain string
	lockMu      sync.Mutex
	locks       map[string]*sync.Mutex
}

// New 创建Git存储
func New(baseDir, emailDomain string) *Store {
	if emailDomain == "" {
		emailDomain = "colatex.local"
	}
	return &Store{
		baseDir:     baseDir,
		emailDomain: emailDomain,
		locks:       make(map[string]*sync.Mutex),
	}
}

// RepoDir 仓库的绝对路径
func (s *Store) RepoDir(repoPath string) string {
	return filepath.Join(s.baseDir, repoPath)
}

// Exists 仓库是否已初始化
func (s *Store) Exists(repoPath string) bool {
	_, err := os.Stat(s.RepoDir(repoPath))
	return err == nil
}

// EnsureRepo 初始化仓库（幂等），创建main分支与基线提交
func (s *Store) EnsureRepo(repoPath, author string) error {
	lock := s.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	path := s.RepoDir(repoPath)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("检查仓库目录失败: %v", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建仓库目录失败: %v", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("初始化仓库失败: %v", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("打开工作区失败: %v", err)
	}

	// 基线提交，保证分支引用存在
	if err := os.WriteFile(filepath.Join(path, ".colatex"), []byte("colatex repository\n"), 0o644); err != nil {
		return fmt.Errorf("写入基线文件失败: %v", err)
	}
	if _, err := worktree.Add(".colatex"); err != nil {
		return fmt.Errorf("添加基线文件失败: %v", err)
	}
	hash, err := worktree.Commit("初始化项目仓库", &git.CommitOptions{
		Author: s.signature(author),
	})
	if err != nil {
		return fmt.Errorf("基线提交失败: %v", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("设置main分支引用失败: %v", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("设置HEAD失败: %v", err)
	}
	return nil
}

// EnsureBranch 创建分支引用（幂等），来源分支必须存在
func (s *Store) EnsureBranch(repoPath, branchName, fromBranch string) error {
	lock := s.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.RepoDir(repoPath))
	if err != nil {
		return fmt.Errorf("打开仓库失败: %v", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err == nil {
		return nil
	}

	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("读取来源分支引用失败: %v", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, fromRef.Hash())); err != nil {
		return fmt.Errorf("创建分支引用失败: %v", err)
	}
	return nil
}

// Commit 将文件内容提交到指定分支，返回完整提交哈希
func (s *Store) Commit(repoPath, branchName, filePath string, content []byte, author, message string) (string, error) {
	lock := s.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.RepoDir(repoPath))
	if err != nil {
		return "", fmt.Errorf("打开仓库失败: %v", err)
	}

	if err := s.checkoutBranch(repo, branchName); err != nil {
		return "", err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("打开工作区失败: %v", err)
	}

	fullPath := filepath.Join(worktree.Filesystem.Root(), filePath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("创建文件目录失败: %v", err)
	}
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		return "", fmt.Errorf("写入文件失败: %v", err)
	}
	if _, err := worktree.Add(filePath); err != nil {
		return "", fmt.Errorf("添加文件失败: %v", err)
	}

	if message == "" {
		message = fmt.Sprintf("自动保存 %s", filePath)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            s.signature(author),
	})
	if err != nil {
		return "", fmt.Errorf("提交失败: %v", err)
	}

	return hash.String(), nil
}

// Read 读取指定引用下的文件内容，ref为空时取HEAD
func (s *Store) Read(repoPath, filePath, ref string) ([]byte, error) {
	lock := s.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.RepoDir(repoPath))
	if err != nil {
		return nil, fmt.Errorf("打开仓库失败: %v", err)
	}

	hash, err := resolveRef(repo, ref)
	if err != nil {
		return nil, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("读取提交对象失败: %v", err)
	}

	file, err := commitObj.File(filePath)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("读取提交中的文件失败: %v", err)
	}

	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("打开文件读取器失败: %v", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("读取文件字节失败: %v", err)
	}
	return data, nil
}

// ErrFileNotInCommit 判断文件是否不存在于提交中
func ErrFileNotInCommit(err error) bool {
	return errors.Is(err, object.ErrFileNotFound)
}

// checkoutBranch 切换到指定分支，不存在时基于当前HEAD创建
func (s *Store) checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("打开工作区失败: %v", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("创建并切换分支 %s 失败: %v", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("解析分支 %s 失败: %v", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("切换分支 %s 失败: %v", branchName, err)
	}
	return nil
}

func (s *Store) signature(author string) *object.Signature {
	if author == "" {
		author = "colatex"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@%s", sanitizeEmail(author), s.emailDomain),
		When:  time.Now(),
	}
}

func resolveRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if ref == "" {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("解析HEAD失败: %v", err)
		}
		return head.Hash(), nil
	}

	// 先按分支名解析，再按修订号解析
	if branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true); err == nil {
		return branchRef.Hash(), nil
	}
	if len(ref) == 40 {
		return plumbing.NewHash(ref), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("解析引用 %s 失败: %v", ref, err)
	}
	return *resolved, nil
}

// repoLock 每个仓库一把锁，避免并发worktree操作互相覆盖
func (s *Store) repoLock(repoPath string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[repoPath]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[repoPath] = lock
	return lock
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}
